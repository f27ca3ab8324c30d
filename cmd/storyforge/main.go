package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storyforge/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	server string
	debug  bool
}

func (g *globalFlags) logger() *zap.Logger {
	if !g.debug {
		return zap.NewNop()
	}
	l, err := logging.New("local")
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func rootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "storyforge",
		Short:         "Submit staged generation pipelines and follow their progress",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("STORYFORGE_SERVER", "http://localhost:8080"), "Gateway base URL")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")

	root.AddCommand(validateCmd())
	root.AddCommand(submitCmd(&g))
	root.AddCommand(watchCmd(&g))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
