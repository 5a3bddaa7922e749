// Conveyor Worker — выполняет запуски flow.
//
// Worker:
//   - Получает flow.requested из RabbitMQ
//   - Подбирает зависшие PENDING запуски polling'ом
//   - Выполняет flow через orchestrator.Runner
//   - Публикует step.started и step.finished
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/steps"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
)

func main() {
	logger := telemetry.SetupLogger().With("component", "worker")
	logger.Info("starting conveyor-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	flowRepo := repo.NewFlowRepo(pool)
	stepRunRepo := repo.NewStepRunRepo(pool)
	flowRunRepo := repo.NewFlowRunRepo(pool)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	observers := steps.Observers{metrics}

	// RabbitMQ
	mqConn, err := mq.NewConnection(mq.ConnectionConfig{URL: mq.URLFromEnv(), Logger: logger})
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher := mq.NewPublisher(mqConn, logger)
		observers = append(observers, mq.NewEventObserver(publisher, logger))
	}

	doc, err := orchestrator.LoadOpenAPI(ctx, os.Getenv("OPENAPI_SPEC"))
	if err != nil {
		logger.Error("failed to load OpenAPI document", "error", err)
		os.Exit(1)
	}

	runner := orchestrator.New(orchestrator.Config{
		Flows:    flowRepo,
		RunLog:   stepRunRepo,
		FlowRuns: flowRunRepo,
		Observer: observers,
		DB:       pool,
		HTTP:     resty.New().SetTimeout(5 * time.Minute),
		OpenAPI:  doc,
		Metrics:  metrics,
		Logger:   logger,
	})

	w := worker.New(worker.Config{
		Runner:   runner,
		FlowRuns: flowRunRepo,
		Conn:     mqConn,
		Logger:   logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
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

	<-ctx.Done()

	w.Stop()
	logger.Info("conveyor-worker stopped")
}
