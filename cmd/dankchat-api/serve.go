package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/you/dankchat-api/internal/config"
	httpadmin "github.com/you/dankchat-api/internal/http"
	"github.com/you/dankchat-api/internal/httpapi"
	"github.com/you/dankchat-api/internal/logging"
	"github.com/you/dankchat-api/internal/scheduler"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled reconciliation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	sets := a.emoteSetCache(reg)
	defer sets.Close()

	reconcile := scheduler.NewJob("reconcile", cfg.Donations.Interval, func(ctx context.Context) error {
		_, err := a.engine.Run(ctx, "scheduled")
		return err
	}, scheduler.JobOptions{Metrics: scheduler.NewMetrics(reg)})

	opts := httpapi.Options{
		Addr:          cfg.Server.Addr,
		CORSOrigins:   cfg.Server.CORSOrigins,
		RateRPS:       cfg.Server.RateRPS,
		RateBurst:     cfg.Server.RateBurst,
		AccessLog:     cfg.Server.AccessLog,
		NotFoundAs404: cfg.NotFoundAs404(),
		Build:         buildInfo(),
		Metrics:       httpapi.NewMetrics(reg),
		Health:        a.store,
	}
	if cfg.Server.Metrics {
		opts.Gatherer = reg
	}
	if cfg.Server.Admin {
		opts.Admin = httpadmin.New(reconcile, a.lists)
		logging.Warn().Str("addr", cfg.Server.Addr).Msg("dankchat-api: admin endpoints enabled, keep this address private")
	}
	api := httpapi.New(sets, a.badges, opts)

	tree := scheduler.NewTree("dankchat-api", scheduler.TreeConfig{})
	tree.AddBackground(reconcile)
	tree.AddBackground(a.lists)
	tree.AddBackground(sets)
	tree.AddAPI(scheduler.NewHTTPService(api, 0))

	logging.Info().Str("version", version).Str("addr", cfg.Server.Addr).Msg("dankchat-api: starting")
	err = tree.Serve(ctx)
	// The store closes on return; a reconciliation still writing must land first.
	logging.Debug().Msg("dankchat-api: waiting for in-flight reconciliation")
	_ = reconcile.Wait(context.Background())
	if errors.Is(err, context.Canceled) {
		logging.Info().Msg("dankchat-api: stopped")
		return nil
	}
	return err
}
