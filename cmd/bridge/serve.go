package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wrapbridge/engine/internal/allowance"
	"github.com/wrapbridge/engine/internal/api"
	"github.com/wrapbridge/engine/internal/events"
	"github.com/wrapbridge/engine/internal/events/kafka"
	"github.com/wrapbridge/engine/internal/fees"
	"github.com/wrapbridge/engine/internal/gateway"
	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/monitor"
	"github.com/wrapbridge/engine/internal/orchestrator"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the transaction monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("🌉 Wrapped asset bridge 🪙")

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	l := ledger.New(store, logger)

	router, err := buildChain(ctx, cfg, logger)
	if err != nil {
		return err
	}

	gw, err := gateway.Dial(ctx, cfg.GatewayURL, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	var quoterOpts []fees.Option
	if cfg.GatewayLiveFees {
		quoterOpts = append(quoterOpts, fees.WithEstimator(gw))
	}
	quoter := fees.NewQuoter(logger, quoterOpts...)

	cache, closeCache, err := allowanceCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()
	allowances := allowance.NewManager(router, logger, allowance.WithCache(cache), allowance.WithTTL(cfg.AllowanceTTL))

	network := cfg.BridgeNetwork()
	orch := orchestrator.New(l, quoter, allowances, gw, logger,
		orchestrator.WithNetwork(network),
		orchestrator.WithOwners(cfg.Owners))

	mon := monitor.New(l, orch, router, gw, logger,
		monitor.WithSyncInterval(cfg.MonitorSyncInterval),
		monitor.WithRetry(cfg.MonitorMaxAttempts, cfg.MonitorRetryBackoff),
		monitor.WithOwners(cfg.Owners))

	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer publisher.Close()
		events.Forward(l, publisher, logger)
		logger.Infof("📣 Publishing transaction updates to %s", cfg.KafkaTopic)
	}

	server := api.NewServer(cfg.HTTPAddr, l, orch, quoter, logger)
	logger.Infof("🌐 Network: %s", network)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(server.Start)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case w := <-mon.Warnings():
				logger.WithError(w.Err).Warnf("⚠️  Transaction %s stuck in %s after %d attempts", w.TxID, w.Status, w.Attempts)
				server.Warn(w)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🔄 Received shutdown signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("✅ Bridge shutdown complete")
	return nil
}
