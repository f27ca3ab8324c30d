package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/artifact"
	"storyforge/internal/executor"
	"storyforge/internal/gateway/handler"
	"storyforge/internal/orchestrator"
	"storyforge/internal/progress"
	"storyforge/internal/progress/wsserver"
)

func newTestServer(t *testing.T) (*httptest.Server, *progress.Broker) {
	t.Helper()
	store := artifact.NewMemoryStore()
	broker := progress.NewBroker()
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register("echo", executor.Echo()))
	orch := orchestrator.New(store, reg, broker)

	runs := handler.NewRunHandler(context.Background(), orch, broker, store, nil)
	srv := httptest.NewServer(NewMux(runs, wsserver.NewHandler(broker), nil, nil))
	t.Cleanup(func() {
		srv.Close()
		runs.Wait()
	})
	return srv, broker
}

func TestNewMux_OperationalEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewMux_ProgressStreamOfSubmittedRun(t *testing.T) {
	srv, broker := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/runs", "application/yaml", strings.NewReader("stages:\n  - {name: draft, executor: echo}\n"))
	require.NoError(t, err)
	var started struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, started.SessionID)

	require.Eventually(t, func() bool {
		ev, ok := broker.Last(started.SessionID)
		return ok && ev.Kind == progress.KindRunCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, started.SessionID, firstSession(t, srv.URL))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/progress?session_id=" + started.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := progress.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, progress.KindConnected, ev.Kind)
	require.NotNil(t, ev.Last)
	assert.Equal(t, progress.KindRunCompleted, ev.Last.Kind)
	assert.Equal(t, 100, ev.Last.Percent)
}

func firstSession(t *testing.T, base string) string {
	t.Helper()
	resp, err := http.Get(base + "/v1/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Runs []orchestrator.RunSession `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Runs)
	return out.Runs[0].ID
}
