package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/joho/godotenv"
	"github.com/uma-arai/checkout-notifier/internal/api"
	"github.com/uma-arai/checkout-notifier/internal/common/config"
	"github.com/uma-arai/checkout-notifier/internal/common/database"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/repository"
	"github.com/uma-arai/checkout-notifier/internal/scheduler"
	"github.com/uma-arai/checkout-notifier/internal/service/batch"
	"github.com/uma-arai/checkout-notifier/internal/service/ledger"
	"github.com/uma-arai/checkout-notifier/internal/service/monitoring"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}
	if err := cfg.RequireServerSecrets(); err != nil {
		log.Fatalf("Invalid server config: %v", err)
	}

	if cfg.EnableTracing {
		if err := xray.Configure(xray.Config{ServiceVersion: "1.0.0"}); err != nil {
			log.WithError(err).Warn("Failed to configure X-Ray")
		}
		os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
	}

	db, err := database.NewDB(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to connect database: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer db.Close()

	// HTTPから実行する場合はStep Functionsへの通知を行わない
	service, err := batch.NewCheckoutNotificationBatchService(cfg, db, nil)
	if err != nil {
		log.Fatalf("Failed to create service: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer service.Close()

	repoDB := repository.NewDB(db)
	monitor := monitoring.NewService(
		repository.NewBookingRepository(repoDB),
		ledger.New(repository.NewNotificationRepository(repoDB), cfg.Timezone),
		cfg.Notify.OverdueGrace,
	)

	var sched *scheduler.Scheduler
	if cfg.Server.ScheduleInterval > 0 {
		sched, err = scheduler.New(cfg.Server.ScheduleInterval, service)
		if err != nil {
			log.Fatalf("Failed to create scheduler: %v", err)
		}
		sched.Start()
	}

	handler := api.NewHandler(service, monitor, db, cfg.Timezone)
	if sched != nil {
		handler.WithScheduler(sched)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.NewRouter(handler, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("address", cfg.Server.Address).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("shutting down")

	if sched != nil {
		sched.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}
}
