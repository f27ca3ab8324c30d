// Command gateway serves the run API and the progress websocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"storyforge/internal/gateway/app"
)

const shutdownGrace = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	logger := a.Logger()

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Start() }()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
			exit = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("unclean shutdown", zap.Error(err))
		exit = 1
	}
	logger.Info("gateway exited")
	if exit != 0 {
		cancel()
		os.Exit(exit)
	}
}
