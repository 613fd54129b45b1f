package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/cadence/internal/activity"
	"github.com/meridianhq/cadence/internal/adapter"
	"github.com/meridianhq/cadence/internal/bus"
	"github.com/meridianhq/cadence/internal/engine"
	"github.com/meridianhq/cadence/internal/lease"
	"github.com/meridianhq/cadence/internal/policy"
	"github.com/meridianhq/cadence/internal/store"
	"github.com/meridianhq/cadence/internal/webhook"
)

// shutdownGrace bounds how long in-flight HTTP requests may take to drain.
const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and HTTP server",
		Long: `Start the scheduling engine: the due-time dispatcher, the watch-lease
maintenance sweeps, and the HTTP server for provider push notifications,
activity events, and target management.

Runs until interrupted; in-flight syncs finish before exit.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger()

	st, err := store.NewStore(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	sink, err := buildSink(cfg.NATSURL, cfg.NATSStream, cfg.SubjectPrefix, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	adapters := buildAdapters(cfg.Connectors, cfg.AdapterTimeout, logger)

	ledger := activity.NewLedger(st, activity.Config{
		HalfLife: cfg.HalfLife,
		Weights:  cfg.EventWeights,
		MaxScore: cfg.MaxScore,
	}, logger)

	if err := warmLedger(cmd.Context(), st, ledger, cfg.HalfLife); err != nil {
		logger.Warn("activity score warm-up failed, starting cold", slog.String("error", err.Error()))
	}

	leases := lease.NewManager(st, adapters, lease.Config{
		SafetyMarginFraction: cfg.SafetyMarginFraction,
		MarginFloor:          cfg.MarginFloor,
		MaxRenewalAttempts:   cfg.MaxRenewalAttempts,
		BackoffBase:          cfg.BackoffBase,
		BackoffCap:           cfg.BackoffCap,
		SweepInterval:        cfg.SweepInterval,
		ResubscribeInterval:  cfg.ResubscribeInterval,
	}, logger)

	pol := policy.Policy{
		Ladder: policy.Ladder{
			Fast:       cfg.Fast,
			Normal:     cfg.Normal,
			Slow:       cfg.Slow,
			Background: cfg.Background,
		},
		Bands: policy.Bands{
			MaxScore:    cfg.MaxScore,
			High:        cfg.HighBand,
			Low:         cfg.LowBand,
			IdleEpsilon: cfg.IdleEpsilon,
		},
		HighMin:   cfg.HighMin,
		MediumMin: cfg.MediumMin,
	}

	exec := engine.NewExecutor(adapters, sink, cfg.SubjectPrefix, cfg.AdapterTimeout, logger)
	sched := engine.NewScheduler(st, exec, pol, ledger, leases, engine.Config{
		Workers:    cfg.Workers,
		WindowRuns: cfg.WindowRuns,
	}, logger)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           webhook.NewServer(st, sched, leases, ledger, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return leases.Run(gctx) })

	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))

		if serveErr := httpSrv.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("shutdown complete")

	return nil
}

// buildSink returns the change-event sink: a JetStream publisher when a NATS
// URL is configured, otherwise a no-op sink so the engine runs standalone.
func buildSink(url, stream, subjectPrefix string, logger *slog.Logger) (bus.Sink, error) {
	if url == "" {
		logger.Warn("no NATS URL configured, change events will be discarded")
		return bus.NopSink{}, nil
	}

	pub, err := bus.NewPublisher(url, stream, subjectPrefix)
	if err != nil {
		return nil, fmt.Errorf("connecting change-event publisher: %w", err)
	}

	logger.Info("change-event publisher connected",
		slog.String("url", url),
		slog.String("stream", stream),
	)

	return pub, nil
}

// warmLedger rebuilds decayed activity scores from persisted events so a
// restart does not treat every user as idle. Events older than four half-lives
// contribute under 7% of their weight and are skipped.
func warmLedger(ctx context.Context, st *store.SQLiteStore, ledger *activity.Ledger, halfLife time.Duration) error {
	targets, err := st.ListEnabledTargets(ctx)
	if err != nil {
		return err
	}

	since := time.Now().Add(-4 * halfLife).UnixNano()

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t.UserID] {
			continue
		}
		seen[t.UserID] = true

		events, err := st.ListActivityEventsSince(ctx, t.UserID, since)
		if err != nil {
			return err
		}

		ledger.Replay(t.UserID, events)
	}

	return nil
}

// buildAdapters registers an HTTP connector adapter for every configured
// service kind. Kinds without a connector entry stay unregistered and their
// targets fail transiently until one is configured.
func buildAdapters(connectors map[string]string, timeout time.Duration, logger *slog.Logger) *adapter.Registry {
	reg := adapter.NewRegistry()
	httpClient := &http.Client{Timeout: timeout}

	for rawKind, baseURL := range connectors {
		kind := store.ServiceKind(rawKind)
		if !kind.Valid() {
			logger.Warn("ignoring connector for unknown service kind", slog.String("kind", rawKind))
			continue
		}

		reg.Register(kind, adapter.NewHTTPAdapter(baseURL, httpClient, logger))
		logger.Info("service connector registered",
			slog.String("kind", rawKind),
			slog.String("url", baseURL),
		)
	}

	if len(reg.Kinds()) == 0 {
		logger.Warn("no service connectors configured")
	}

	return reg
}
