package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/wa-responder/internal/history"
	"github.com/comigor/wa-responder/internal/identifier"
	"github.com/comigor/wa-responder/internal/logger"
)

func historyCmd() *cobra.Command {
	var (
		limit  int
		tenant string
	)
	cmd := &cobra.Command{
		Use:   "history <phone>",
		Short: "Print the logged conversation with a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, ok := identifier.Normalize(args[0])
			if !ok {
				return fmt.Errorf("invalid identifier %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.SetOutput(os.Stderr, cfg.Log.Format)
			if tenant == "" {
				tenant = cfg.Tenant.Default
			}

			store, err := history.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			msgs, err := store.History(cmd.Context(), tenant, ident, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, m := range msgs {
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of most recent messages (0 for all)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (default: tenant.default)")
	return cmd
}
