package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"storyforge/internal/executor"
	"storyforge/internal/gateway/config"
	"storyforge/internal/stage"
)

// initExecutors registers the built-in executors and, when an API key is
// configured, the model-backed "genai" executor.
func initExecutors(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*executor.Registry, error) {
	reg := executor.NewRegistry()
	logged := executor.Logging(logger.Named("executor"))

	builtins := map[string]executor.Executor{
		"echo":    executor.Echo(),
		"approve": executor.Verdict(stage.DecisionApprove, ""),
	}
	for name, exec := range builtins {
		if err := reg.Register(name, executor.Wrap(exec, logged)); err != nil {
			return nil, err
		}
	}

	if cfg.Executor.GenAIAPIKey == "" {
		logger.Info("genai executor disabled: no API key configured")
		return reg, nil
	}
	gen, err := executor.NewGenAIExecutor(ctx, executor.GenAIConfig{
		APIKey: cfg.Executor.GenAIAPIKey,
		Model:  cfg.Executor.GenAIModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai executor: %w", err)
	}
	wrapped := executor.Wrap(gen,
		logged,
		executor.RateLimit(cfg.Executor.RPS, cfg.Executor.Burst),
		executor.WithTimeout(cfg.Executor.Timeout),
	)
	if err := reg.Register("genai", wrapped); err != nil {
		return nil, err
	}
	logger.Info("genai executor enabled", zap.String("model", cfg.Executor.GenAIModel))
	return reg, nil
}
