// Conveyor Scheduler — создаёт запуски flow по расписаниям.
//
// Несколько экземпляров могут работать одновременно: тики выполняет
// только тот, кто удерживает advisory lock в PostgreSQL.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger().With("component", "scheduler")
	logger.Info("starting conveyor-scheduler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	cfg := scheduler.Config{
		Schedules: repo.NewScheduleRepo(pool),
		FlowRuns:  repo.NewFlowRunRepo(pool),
		Flows:     repo.NewFlowRepo(pool),
		Leader:    repo.NewAdvisoryLock(pool, repo.DefaultSchedulerLockKey),
		Logger:    logger,
	}

	// RabbitMQ опционален: без него запуски подберёт polling воркеров.
	mqConn, err := mq.NewConnection(mq.ConnectionConfig{URL: mq.URLFromEnv(), Logger: logger})
	if err != nil {
		logger.Warn("RabbitMQ not available, runs will be picked up by worker polling", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		cfg.Sender = mq.NewPublisher(mqConn, logger)
	}

	// HTTP: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("METRICS_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	scheduler.New(cfg).Run(ctx)
	logger.Info("conveyor-scheduler stopped")
}
