package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "responder",
	Short: "WhatsApp auto-responder",
	Long:  "Receives WhatsApp messages from a delivery service webhook or a session bridge, logs every turn and answers automatically.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or $CONFIG_PATH)")
	cobra.OnInitialize(func() {
		if cfgFile != "" {
			os.Setenv("CONFIG_PATH", cfgFile)
		}
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(historyCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
