// Conveyor API — HTTP фасад: flows, запуски, журнал шагов, расписания.
//
// При старте применяет схему БД и, если задан FLOWS_DIR, загружает
// определения flow из YAML файлов в таблицы flows/flow_steps.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/steps"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

var startTime = time.Now()

func main() {
	logger := telemetry.SetupLogger().With("component", "api")
	logger.Info("starting conveyor-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := repo.Migrate(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	flowRepo := repo.NewFlowRepo(pool)
	stepRunRepo := repo.NewStepRunRepo(pool)
	flowRunRepo := repo.NewFlowRunRepo(pool)
	scheduleRepo := repo.NewScheduleRepo(pool)

	if dir := os.Getenv("FLOWS_DIR"); dir != "" {
		if err := syncFlows(ctx, logger, repo.NewYAMLFlowSource(dir), flowRepo); err != nil {
			logger.Error("failed to load flows", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	observers := steps.Observers{metrics}

	handlerCfg := api.Config{
		Flows:     flowRepo,
		FlowRuns:  flowRunRepo,
		StepRuns:  stepRunRepo,
		Schedules: scheduleRepo,
		Logger:    logger,
	}

	mqConn, err := mq.NewConnection(mq.ConnectionConfig{URL: mq.URLFromEnv(), Logger: logger})
	if err != nil {
		logger.Warn("RabbitMQ not available, async runs wait for worker polling", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher := mq.NewPublisher(mqConn, logger)
		handlerCfg.Sender = publisher
		observers = append(observers, mq.NewEventObserver(publisher, logger))
	}

	doc, err := orchestrator.LoadOpenAPI(ctx, os.Getenv("OPENAPI_SPEC"))
	if err != nil {
		logger.Error("failed to load OpenAPI document", "error", err)
		os.Exit(1)
	}

	handlerCfg.Runner = orchestrator.New(orchestrator.Config{
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

	handler := api.NewHandler(handlerCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	addr := ":8080"
	if v := os.Getenv("API_PORT"); v != "" {
		addr = ":" + v
	}

	// WriteTimeout продлевается синхронным запуском на бюджет flow.
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}

// syncFlows сохраняет определения из YAML каталога в БД.
func syncFlows(ctx context.Context, logger *slog.Logger, src *repo.YAMLFlowSource, dst *repo.FlowRepo) error {
	flows, err := src.List(ctx)
	if err != nil {
		return err
	}
	for i := range flows {
		if err := dst.Save(ctx, &flows[i]); err != nil {
			return fmt.Errorf("save flow %s: %w", flows[i].Alias, err)
		}
	}
	logger.Info("flows loaded", "dir", src.Dir(), "count", len(flows))
	return nil
}
