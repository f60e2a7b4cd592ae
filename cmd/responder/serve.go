package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/wa-responder/internal/agent"
	"github.com/comigor/wa-responder/internal/bridge"
	"github.com/comigor/wa-responder/internal/config"
	"github.com/comigor/wa-responder/internal/dedup"
	"github.com/comigor/wa-responder/internal/delivery"
	"github.com/comigor/wa-responder/internal/history"
	"github.com/comigor/wa-responder/internal/intake"
	"github.com/comigor/wa-responder/internal/llm"
	"github.com/comigor/wa-responder/internal/logger"
	"github.com/comigor/wa-responder/internal/registration"
	"github.com/comigor/wa-responder/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the reply pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.SetOutput(os.Stdout, cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return err
	}

	store, err := history.Open(ctx, cfg.Store)
	if err != nil {
		logger.L.Error("failed to open conversation store", "error", err)
		return err
	}
	defer store.Close()

	var seen dedup.SeenSet
	switch cfg.Dedup.Backend {
	case "redis":
		rs, err := dedup.NewRedisSeenSet(ctx, cfg.Dedup.RedisURL, cfg.Dedup.TTL)
		if err != nil {
			logger.L.Error("failed to connect to redis", "error", err)
			return err
		}
		defer rs.Close()
		seen = rs
	default:
		seen = dedup.NewMemorySeenSet(cfg.Dedup.TTL)
	}

	replier := agent.New(llm.NewClient(cfg.LLM), cfg.LLM, cfg.Reply)
	opts := intake.OptionsFromConfig(cfg)

	var (
		orch       *intake.Orchestrator
		probe      server.TransportProbe
		registrar  *registration.Registrar
		background []func(context.Context)
	)

	switch cfg.Transport.Mode {
	case config.TransportBridge:
		br := bridge.New(cfg.Bridge.URL, cfg.Tenant.Default, bridge.DispatcherFunc(func(ev intake.Event) {
			orch.Dispatch(ev)
		}))
		orch = intake.New(store, dedup.NewFilter(seen), replier, br, opts)
		probe = func(ctx context.Context) (bool, map[string]any) {
			detail, _ := br.Status(ctx)
			return br.Connected(), detail
		}
		background = append(background, br.Run)
	default:
		dc := delivery.New(cfg.Delivery)
		orch = intake.New(store, dedup.NewFilter(seen), replier, dc, opts)
		registrar = registration.New(dc, cfg.Delivery.CallbackURL, cfg.Delivery.RegisterRetry)
		probe = func(ctx context.Context) (bool, map[string]any) {
			st, err := dc.Status(ctx)
			if err != nil {
				return false, map[string]any{"mode": "delivery", "error": err.Error()}
			}
			detail := st.Raw
			if detail == nil {
				detail = map[string]any{}
			}
			detail["mode"] = "delivery"
			return st.Connected, detail
		}
		background = append(background, func(ctx context.Context) {
			if err := registrar.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L.Error("listener registration stopped", "error", err)
			}
		})
	}

	deps := server.Deps{
		Intake:        orch,
		Store:         store,
		Transport:     probe,
		ReplyEnabled:  orch.ReplyEnabled,
		TenantID:      cfg.Tenant.Default,
		WebhookSecret: cfg.Webhook.Secret,
	}
	if registrar != nil {
		deps.Registered = registrar.Registered
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr, "transport", cfg.Transport.Mode, "reply_enabled", orch.ReplyEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	for _, run := range background {
		go run(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.L.Info("shutting down")
	case err := <-errCh:
		logger.L.Error("server failed", "error", err)
		runErr = fmt.Errorf("http server: %w", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("http shutdown", "error", err)
	}
	if registrar != nil {
		_ = registrar.Unregister(shutdownCtx)
	}
	if err := orch.Wait(shutdownCtx); err != nil {
		logger.L.Warn("in-flight events abandoned", "error", err)
	}
	return runErr
}
