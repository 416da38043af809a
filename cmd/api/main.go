package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/loyaltyops/pointsledger/internal/api"
	"github.com/loyaltyops/pointsledger/internal/config"
	"github.com/loyaltyops/pointsledger/internal/guard"
	"github.com/loyaltyops/pointsledger/internal/hold"
	"github.com/loyaltyops/pointsledger/internal/ledger"
	"github.com/loyaltyops/pointsledger/internal/outbox"
	"github.com/loyaltyops/pointsledger/internal/quote"
	"github.com/loyaltyops/pointsledger/internal/service"
	"github.com/loyaltyops/pointsledger/internal/store"
	"github.com/loyaltyops/pointsledger/internal/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api")

	st, err := store.New(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer st.Close()

	ledgerStore := ledger.NewStore(st.Pool, cfg.Ledger.Enabled)
	antifraud := guard.NewAntifraudClient(cfg.Guards.AntifraudEndpoint)
	if cfg.Guards.AntifraudTimeout > 0 {
		antifraud.Client.Timeout = cfg.Guards.AntifraudTimeout
	}
	guards := guard.Chain{
		guard.NewSubscriptionGuard(st.Pool),
		antifraud,
	}

	processor := service.NewProcessor(st, ledgerStore, guards, logger)
	quotes := quote.NewEngine(st)
	holds := hold.NewManager(st.Pool)
	admin := outbox.NewAdmin(st.Pool)

	handler := api.NewHandler(quotes, processor, holds, admin, st).WithDB(st.Pool)

	// Single-process deployments run the dispatcher and workers alongside the API.
	if os.Getenv("WORKERS_ENABLED") == "true" {
		ctx := context.Background()
		dispatcher := outbox.NewDispatcher(st.Pool, logger, outbox.Config{
			Interval:    cfg.Outbox.Interval,
			BatchSize:   cfg.Outbox.BatchSize,
			Concurrency: cfg.Outbox.Concurrency,
			MaxRetries:  cfg.Outbox.MaxRetries,
			BackoffBase: cfg.Outbox.BackoffBase,
			BackoffCap:  cfg.Outbox.BackoffCap,
			HTTPTimeout: cfg.Outbox.HTTPTimeout,
		})
		go dispatcher.Run(ctx)
		go workers.Run(ctx, logger, cfg.Workers.HoldGCInterval, &workers.HoldGC{DB: st.Pool, Logger: logger})
		go workers.Run(ctx, logger, cfg.Workers.TTLBurnInterval, &workers.TTLBurn{DB: st.Pool, Ledger: ledgerStore, Logger: logger})
		go workers.Run(ctx, logger, cfg.Workers.MechanicBurnInterval, &workers.MechanicBurn{DB: st.Pool, Ledger: ledgerStore, Logger: logger})
		go workers.Run(ctx, logger, cfg.Workers.TTLReminderInterval, &workers.TTLReminder{DB: st.Pool, Logger: logger, WarnDays: cfg.Workers.ReminderWarnDays})
		go workers.Run(ctx, logger, cfg.Workers.GCInterval, &workers.RetentionGC{DB: st.Pool, Logger: logger, OutboxRetention: cfg.Outbox.Retention})
		logger.Info("in-process workers enabled")
	}

	logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, handler.Router()); err != nil {
		log.Fatal(err)
	}
}
