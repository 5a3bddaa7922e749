package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logBuffer — потокобезопасный приёмник логов сервера.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// logRecords разбирает JSON-лог по строкам.
func logRecords(t *testing.T, buf *logBuffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func newChainServer(t *testing.T, buf *logBuffer, pattern string, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	logger := telemetry.NewLogger(buf, "json", slog.LevelInfo)
	chain := Chain(RequestID(logger), Logging(), Recovery())

	mux := http.NewServeMux()
	mux.Handle(pattern, chain(h))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLogging_FlowContext(t *testing.T) {
	var buf logBuffer
	srv := newChainServer(t, &buf, "POST /flows/{alias}/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(HeaderFlowRunIDs, "run-1,run-2")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/flows/orders/runs", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-42", resp.Header.Get(HeaderRequestID))

	recs := logRecords(t, &buf)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "http request", rec["msg"])
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "req-42", rec["request_id"])
	assert.Equal(t, "POST /flows/{alias}/runs", rec["route"])
	assert.Equal(t, "orders", rec["flow_alias"])
	assert.Equal(t, "run-1,run-2", rec["flow_run_ids"])
	assert.EqualValues(t, http.StatusAccepted, rec["status"])
	assert.EqualValues(t, 2, rec["bytes"])
}

func TestLogging_GeneratesRequestIDAndLevels(t *testing.T) {
	var buf logBuffer
	srv := newChainServer(t, &buf, "GET /runs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		NotFound(w, "flow run not found")
	})

	resp, err := http.Get(srv.URL + "/runs/abc")
	require.NoError(t, err)
	resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	recs := logRecords(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "WARN", recs[0]["level"])
	assert.Equal(t, "abc", recs[0]["id"])
	assert.Equal(t, resp.Header.Get(HeaderRequestID), recs[0]["request_id"])
}

func TestRecovery(t *testing.T) {
	t.Run("before response", func(t *testing.T) {
		var buf logBuffer
		srv := newChainServer(t, &buf, "GET /boom", func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})

		resp, err := http.Get(srv.URL + "/boom")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		var body ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, ErrCodeInternalError, body.Error.Code)

		levels := map[string]string{}
		for _, rec := range logRecords(t, &buf) {
			levels[rec["msg"].(string)] = rec["level"].(string)
		}
		assert.Equal(t, "ERROR", levels["panic recovered"])
		assert.Equal(t, "ERROR", levels["http request"])
	})

	t.Run("after streaming started", func(t *testing.T) {
		var buf logBuffer
		srv := newChainServer(t, &buf, "GET /stream", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("line 1\n"))
			panic("boom")
		})

		resp, err := http.Get(srv.URL + "/stream")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "line 1\n", string(body), "no JSON appended to a started stream")
	})
}
