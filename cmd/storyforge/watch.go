package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storyforge/internal/progress"
	"storyforge/internal/progress/client"
)

var errGaveUp = errors.New("lost connection to progress feed")

func watchCmd(g *globalFlags) *cobra.Command {
	var attempts int
	cmd := &cobra.Command{
		Use:   "watch SESSION_ID",
		Short: "Follow a run's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), cmd.OutOrStdout(), g.server, args[0], attempts, g.logger())
		},
	}
	cmd.Flags().IntVar(&attempts, "reconnect-attempts", 5, "Reconnect attempts before giving up")
	return cmd
}

// watch prints events until the run reaches a terminal state, the client
// gives up reconnecting, or ctx ends.
func watch(ctx context.Context, out io.Writer, server, sessionID string, attempts int, logger *zap.Logger) error {
	endpoint, err := progressURL(server)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	final := make(chan progress.Event, 1)
	gaveUp := make(chan struct{}, 1)
	var leaving atomic.Bool
	c := client.New(sessionID, client.WebsocketDialer{URL: endpoint},
		client.WithMaxReconnectAttempts(attempts),
		client.WithLogger(logger),
		client.WithEventHandler(func(ev progress.Event) {
			if line := formatEvent(ev); line != "" {
				fmt.Fprintln(out, line)
			}
			if latest, ok := terminalOf(ev); ok {
				select {
				case final <- latest:
				default:
				}
			}
		}),
		client.WithStatusHandler(func(st client.Status) {
			if exhausted(st) && !leaving.Load() {
				select {
				case gaveUp <- struct{}{}:
				default:
				}
			}
		}),
	)
	defer func() {
		leaving.Store(true)
		c.Disconnect()
	}()

	select {
	case ev := <-final:
		if ev.Kind == progress.KindRunFailed {
			return fmt.Errorf("run %s failed: %s", sessionID, ev.Error)
		}
		return nil
	case <-gaveUp:
		return errGaveUp
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exhausted reports a closed client with no reconnect pending, whether the
// last drop was clean or not.
func exhausted(st client.Status) bool {
	return st.State == client.StateClosed && !st.Retrying
}

func terminalOf(ev progress.Event) (progress.Event, bool) {
	if ev.Kind.Terminal() {
		return ev, true
	}
	if ev.Kind == progress.KindConnected && ev.Last != nil && ev.Last.Kind.Terminal() {
		return *ev.Last, true
	}
	return progress.Event{}, false
}

func progressURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws/progress"
	return u.String(), nil
}

func formatEvent(ev progress.Event) string {
	switch ev.Kind {
	case progress.KindHeartbeat:
		return ""
	case progress.KindConnected:
		if ev.Last == nil {
			return "connected"
		}
		return "connected, latest: " + formatEvent(*ev.Last)
	case progress.KindStageStarted:
		line := fmt.Sprintf("[%3d%%] started %s", ev.Percent, ev.StageName)
		if ev.StageIndex != nil && ev.StageTotal != nil {
			line += fmt.Sprintf(" (%d/%d)", *ev.StageIndex+1, *ev.StageTotal)
		}
		return line
	case progress.KindStageCompleted:
		return fmt.Sprintf("[%3d%%] completed %s", ev.Percent, ev.StageName)
	case progress.KindRunCompleted:
		return fmt.Sprintf("[%3d%%] run completed", ev.Percent)
	case progress.KindRunFailed:
		return fmt.Sprintf("[%3d%%] run failed: %s", ev.Percent, ev.Error)
	default:
		return string(ev.Kind)
	}
}
