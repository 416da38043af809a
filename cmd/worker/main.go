package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loyaltyops/pointsledger/internal/config"
	"github.com/loyaltyops/pointsledger/internal/ledger"
	"github.com/loyaltyops/pointsledger/internal/outbox"
	"github.com/loyaltyops/pointsledger/internal/store"
	"github.com/loyaltyops/pointsledger/internal/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	st, err := store.New(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledgerStore := ledger.NewStore(st.Pool, cfg.Ledger.Enabled)

	dispatcher := outbox.NewDispatcher(st.Pool, logger, outbox.Config{
		Interval:    cfg.Outbox.Interval,
		BatchSize:   cfg.Outbox.BatchSize,
		Concurrency: cfg.Outbox.Concurrency,
		MaxRetries:  cfg.Outbox.MaxRetries,
		BackoffBase: cfg.Outbox.BackoffBase,
		BackoffCap:  cfg.Outbox.BackoffCap,
		HTTPTimeout: cfg.Outbox.HTTPTimeout,
	})

	var wg sync.WaitGroup
	wg.Add(6)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		workers.Run(ctx, logger, cfg.Workers.HoldGCInterval, &workers.HoldGC{DB: st.Pool, Logger: logger})
	}()
	go func() {
		defer wg.Done()
		workers.Run(ctx, logger, cfg.Workers.TTLBurnInterval, &workers.TTLBurn{DB: st.Pool, Ledger: ledgerStore, Logger: logger})
	}()
	go func() {
		defer wg.Done()
		workers.Run(ctx, logger, cfg.Workers.MechanicBurnInterval, &workers.MechanicBurn{DB: st.Pool, Ledger: ledgerStore, Logger: logger})
	}()
	go func() {
		defer wg.Done()
		workers.Run(ctx, logger, cfg.Workers.TTLReminderInterval, &workers.TTLReminder{DB: st.Pool, Logger: logger, WarnDays: cfg.Workers.ReminderWarnDays})
	}()
	go func() {
		defer wg.Done()
		workers.Run(ctx, logger, cfg.Workers.GCInterval, &workers.RetentionGC{DB: st.Pool, Logger: logger, OutboxRetention: cfg.Outbox.Retention})
	}()

	// Metrics endpoint for the worker process.
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: promhttp.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("workers started", "metrics_port", cfg.Port)
	<-ctx.Done()
	logger.Info("shutting down")
	srv.Shutdown(context.Background())
	wg.Wait()
}
