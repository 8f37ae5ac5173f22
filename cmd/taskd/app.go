package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clusterkit/taskd/internal/api"
	"github.com/clusterkit/taskd/internal/config"
	"github.com/clusterkit/taskd/internal/events"
	"github.com/clusterkit/taskd/internal/platform/logger"
	"github.com/clusterkit/taskd/internal/privchan"
	"github.com/clusterkit/taskd/internal/taskid"
	"github.com/clusterkit/taskd/internal/worker"
)

// application bundles the daemon's long-lived dependencies. Everything is
// constructed once at startup and passed down explicitly.
type application struct {
	config     *config.Config
	logger     *slog.Logger
	registry   *worker.Registry
	privClient *privchan.Client
}

// newApplication loads configuration and wires all components. Any error
// here is fatal: a daemon without its counter file or task store cannot
// uphold the identifier guarantees.
func newApplication() (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Server.LogLevel)
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"node", cfg.Server.NodeName,
		"log_level", cfg.Server.LogLevel)

	gen, err := taskid.NewGenerator(cfg.Server.NodeName, cfg.Tasks.CounterFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task counter: %w", err)
	}

	emitter := events.NewInMemoryEmitter(log)
	emitter.RegisterHandler(&failureLogHandler{logger: log})

	registry, err := worker.NewRegistry(
		worker.RegistryConfig{
			LogDir:      cfg.Tasks.LogDir,
			FinishedTTL: time.Duration(cfg.Tasks.FinishedTTLSeconds) * time.Second,
		},
		gen, emitter, log,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task registry: %w", err)
	}

	recovered, err := registry.RecoverInterrupted()
	if err != nil {
		return nil, fmt.Errorf("task recovery scan failed: %w", err)
	}
	if recovered > 0 {
		log.Warn("finalized tasks interrupted by previous shutdown", "count", recovered)
	}

	privClient := privchan.NewClient(
		cfg.PrivChannel.SocketPath,
		time.Duration(cfg.PrivChannel.TimeoutSeconds)*time.Second,
		log,
	)

	return &application{
		config:     cfg,
		logger:     log,
		registry:   registry,
		privClient: privClient,
	}, nil
}

// setupRouter creates and configures the application router with all
// routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	taskHandler := api.NewTaskHandler(app.registry, app.logger)
	app.registerWorkers(taskHandler)

	r.Route("/api", taskHandler.Routes)
	return r
}

// failureLogHandler is the seam a notification collaborator plugs into:
// it observes terminal states and reports failures with the identifier,
// user and error summary.
type failureLogHandler struct {
	logger *slog.Logger
}

func (h *failureLogHandler) HandleEvent(_ context.Context, event *events.TaskEvent) error {
	if event.State != string(worker.StateError) {
		return nil
	}
	h.logger.Warn("task failed",
		"task_id", event.TaskID,
		"user", event.User,
		"error", event.Message)
	return nil
}
