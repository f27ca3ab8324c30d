package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storyforge/internal/progress"
	"storyforge/internal/progress/client"
	"storyforge/internal/progress/wsserver"
)

func TestRootCmd_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd().Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["validate"])
	assert.True(t, names["submit"])
	assert.True(t, names["watch"])
}

func TestValidateCmd_PrintsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: tale
stages:
  - {name: review, kind: gate, executor: approve, dependencies: [draft], context: [draft]}
  - {name: draft, executor: echo}
`), 0o600))

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate", path})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "pipeline tale", lines[0])
	assert.Contains(t, lines[1], "draft")
	assert.Contains(t, lines[2], "review")
	assert.Contains(t, lines[2], "gate")
}

func TestProgressURL(t *testing.T) {
	u, err := progressURL("http://localhost:8080/")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/progress", u)

	u, err = progressURL("https://forge.example.com")
	require.NoError(t, err)
	assert.Equal(t, "wss://forge.example.com/ws/progress", u)
}

func TestFormatEvent(t *testing.T) {
	assert.Empty(t, formatEvent(progress.Event{Kind: progress.KindHeartbeat}))
	assert.Equal(t, "[  0%] started draft (1/3)", formatEvent(progress.Event{
		Kind: progress.KindStageStarted, StageName: "draft",
		StageIndex: progress.IntPtr(0), StageTotal: progress.IntPtr(3),
	}))
	assert.Equal(t, "[ 33%] run failed: too short", formatEvent(progress.Event{
		Kind: progress.KindRunFailed, Percent: 33, Error: "too short",
	}))
}

func TestWatch_ReturnsOnTerminalSnapshot(t *testing.T) {
	broker := progress.NewBroker()
	broker.Publish("s-1", progress.Event{Kind: progress.KindRunFailed, Percent: 50, Error: "gate rejected"})
	srv := httptest.NewServer(wsserver.NewHandler(broker))
	defer srv.Close()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := watch(ctx, &out, srv.URL, "s-1", 0, zap.NewNop())

	assert.EqualError(t, err, "run s-1 failed: gate rejected")
	assert.Contains(t, out.String(), "run failed: gate rejected")
}

func TestWatch_GivesUpWhenServerIsGone(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := watch(ctx, &bytes.Buffer{}, url, "s-1", 0, zap.NewNop())
	assert.ErrorIs(t, err, errGaveUp)
}

func TestWatch_GivesUpAfterCleanClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber too slow")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := watch(ctx, &bytes.Buffer{}, srv.URL, "s-1", 0, zap.NewNop())
	assert.ErrorIs(t, err, errGaveUp)
}

func TestExhausted(t *testing.T) {
	assert.True(t, exhausted(client.Status{State: client.StateClosed, Reason: client.ReasonClean}))
	assert.True(t, exhausted(client.Status{State: client.StateClosed, Reason: client.ReasonError}))
	assert.False(t, exhausted(client.Status{State: client.StateClosed, Reason: client.ReasonClean, Retrying: true}))
	assert.False(t, exhausted(client.Status{State: client.StateOpen}))
}
