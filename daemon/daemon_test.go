package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/flowforge/bus"
	"github.com/petal-labs/flowforge/config"
	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/server"
	"github.com/petal-labs/flowforge/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Database.Path = filepath.Join(t.TempDir(), "flowforge.db")
	cfg.Security.EncryptionKey = "test-key"
	cfg.Security.TokenSecret = "test-token-secret"
	cfg.Execution.MaxAttempts = 2
	cfg.Execution.InitialBackoff = 10 * time.Millisecond
	cfg.Execution.MaxBackoff = 20 * time.Millisecond
	cfg.Schedules.Enabled = false
	return cfg
}

func newTestDaemon(t *testing.T, cfg config.Config) (*Daemon, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	d, err := New(context.Background(), cfg, Options{SpanExporter: exporter})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, exporter
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	r := httptest.NewRequest(method, path, bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(server.UserHeader, "user-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Execution.Workers = 0
	_, err := New(context.Background(), cfg, Options{})
	assert.Error(t, err)
}

func TestNew_WarnsWithoutEncryptionKey(t *testing.T) {
	t.Setenv(store.SecretKeyEnv, "")

	cfg := testConfig(t)
	cfg.Security.EncryptionKey = ""
	var logs bytes.Buffer
	d, err := New(context.Background(), cfg, Options{
		Logger:       slog.New(slog.NewTextHandler(&logs, nil)),
		SpanExporter: tracetest.NewInMemoryExporter(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	assert.Contains(t, logs.String(), "security.encryption_key not set")

	logs.Reset()
	d2, err := New(context.Background(), testConfig(t), Options{
		Logger:       slog.New(slog.NewTextHandler(&logs, nil)),
		SpanExporter: tracetest.NewInMemoryExporter(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d2.Close() })
	assert.NotContains(t, logs.String(), "encryption_key")
}

func TestNew_RedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Redis.Addr = addr
	_, err = New(context.Background(), cfg, Options{})
	assert.ErrorContains(t, err, "redis")
}

func TestNew_RedisBus(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	d, _ := newTestDaemon(t, cfg)
	_, ok := d.Bus.(*bus.RedisBus)
	assert.True(t, ok, "bus = %T, want *bus.RedisBus", d.Bus)
}

func TestDaemon_ExecutesWorkflowEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"greeting":"hello"}`))
	}))
	t.Cleanup(upstream.Close)

	d, exporter := newTestDaemon(t, testConfig(t))
	h := d.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Queue.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	w := doJSON(t, h, http.MethodPost, "/api/workflows", map[string]string{"name": "e2e"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var wf core.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wf))

	w = doJSON(t, h, http.MethodPut, "/api/workflows/"+wf.ID, map[string]any{
		"nodes": []map[string]any{
			{"id": "trigger", "type": "MANUAL_TRIGGER"},
			{"id": "fetch", "type": "HTTP_REQUEST", "data": map[string]any{
				"endpoint":     upstream.URL + "/{{name}}",
				"method":       "GET",
				"variableName": "upstream",
			}},
		},
		"connections": []map[string]any{{"fromNodeId": "trigger", "toNodeId": "fetch"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodPost, "/api/workflows/"+wf.ID+"/execute", map[string]any{
		"initialData": map[string]any{"name": "ada"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted struct {
		EventID string `json:"eventId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.EventID)

	var exec core.Execution
	require.Eventually(t, func() bool {
		got, err := d.Store.GetExecutionByEvent(context.Background(), accepted.EventID)
		if err != nil {
			return false
		}
		exec = got
		return got.Status == core.ExecutionSuccess
	}, 5*time.Second, 20*time.Millisecond)

	var output map[string]any
	require.NoError(t, json.Unmarshal(exec.Output, &output))
	upstreamOut, ok := output["upstream"].(map[string]any)
	require.True(t, ok, "output = %v", output)
	resp := upstreamOut["httpResponse"].(map[string]any)
	assert.Equal(t, float64(200), resp["status"])
	assert.Equal(t, map[string]any{"greeting": "hello"}, resp["data"])

	msgs, err := d.Events.List(context.Background(), exec.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}

	require.NoError(t, d.Telemetry.TracerProvider.ForceFlush(context.Background()))
	assert.NotEmpty(t, exporter.GetSpans())
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules.Enabled = true
	cfg.Schedules.PollInterval = 10 * time.Millisecond
	d, _ := newTestDaemon(t, cfg)
	require.NotNil(t, d.Scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOriginPatterns(t *testing.T) {
	assert.Nil(t, originPatterns(""))
	assert.Equal(t, []string{"*"}, originPatterns("*"))
	assert.Equal(t, []string{"app.example.com"}, originPatterns("https://app.example.com"))
}

func TestClose_Idempotent(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(t))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}
