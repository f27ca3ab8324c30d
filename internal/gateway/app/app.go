package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"storyforge/internal/gateway/config"
	"storyforge/internal/gateway/handler"
	"storyforge/internal/gateway/server"
	"storyforge/internal/logging"
	"storyforge/internal/orchestrator"
	"storyforge/internal/progress"
	"storyforge/internal/progress/wsserver"
)

type App struct {
	server  *server.Server
	runs    *handler.RunHandler
	broker  *progress.Broker
	cfg     *config.Config
	logger  *zap.Logger
	closeDB func() error

	janitorCtx    context.Context
	janitorCancel context.CancelFunc
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Dependencies
	store, closeDB, err := initArtifactStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	executors, err := initExecutors(ctx, cfg, logger)
	if err != nil {
		_ = closeDB()
		return nil, err
	}
	broker := progress.NewBroker(
		progress.WithRetention(cfg.Progress.Retention),
		progress.WithLogger(logger.Named("progress")),
	)
	orch := orchestrator.New(store, executors, broker, orchestrator.WithLogger(logger.Named("orchestrator")))

	runHandler := handler.NewRunHandler(ctx, orch, broker, store, logger.Named("api"))
	progressHandler := wsserver.NewHandler(broker,
		wsserver.WithHeartbeat(cfg.Progress.Heartbeat),
		wsserver.WithLogger(logger.Named("ws")),
	)

	// Routing & Server
	mux := server.NewMux(runHandler, progressHandler, cfg.AllowedOrigins, logger.Named("http"))
	srv := server.New(cfg.Port, mux, logger)

	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	return &App{
		server:        srv,
		runs:          runHandler,
		broker:        broker,
		cfg:           cfg,
		logger:        logger,
		closeDB:       closeDB,
		janitorCtx:    janitorCtx,
		janitorCancel: janitorCancel,
	}, nil
}

func (a *App) Logger() *zap.Logger { return a.logger }

func (a *App) Start() error {
	go a.broker.RunJanitor(a.janitorCtx, a.cfg.Progress.Retention)
	return a.server.Start()
}

// Shutdown stops accepting requests, then waits for in-flight runs until ctx ends.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		a.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("runs still in flight: %w", ctx.Err()))
	}

	a.janitorCancel()
	if a.closeDB != nil {
		err = errors.Join(err, a.closeDB())
	}
	_ = a.logger.Sync()
	return err
}
