package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/trainpool/internal/model"
)

type progressEvent struct {
	phase model.ProgressPhase
	data  string
}

type progressRecorder struct {
	mu     sync.Mutex
	events []progressEvent
}

func (r *progressRecorder) record(phase model.ProgressPhase, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s string
	switch v := data.(type) {
	case json.RawMessage:
		s = string(v)
	default:
		b, _ := json.Marshal(v)
		s = string(b)
	}
	r.events = append(r.events, progressEvent{phase: phase, data: s})
}

func TestScanProgress(t *testing.T) {
	input := strings.Join([]string{
		`{"phase":"progress","data":{"epoch":1,"loss":0.5}}`,
		`plain log output`,
		``,
		`{"phase":"checkpoint","data":{"path":"/tmp/model.ckpt"}}`,
		`{"result":{"accuracy":0.8}}`,
		`{"result":{"accuracy":0.9}}`,
	}, "\n")

	rec := &progressRecorder{}
	result, err := scanProgress(strings.NewReader(input), rec.record, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{"accuracy":0.9}`, string(result))

	require.Len(t, rec.events, 2)
	assert.Equal(t, model.ProgressPhaseProgress, rec.events[0].phase)
	assert.JSONEq(t, `{"epoch":1,"loss":0.5}`, rec.events[0].data)
	assert.Equal(t, model.ProgressPhaseCheckpoint, rec.events[1].phase)
}

func TestScanProgressNoResult(t *testing.T) {
	result, err := scanProgress(strings.NewReader("hello\n"), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellHandler(t *testing.T, script string) *CommandHandler {
	return NewCommandHandler(model.TaskKindTrain, CommandConfig{
		Command: "sh",
		Args:    []string{"-c", script, "train.sh"},
	}, zaptest.NewLogger(t))
}

func TestCommandHandler(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	t.Run("ProgressAndResult", func(t *testing.T) {
		h := shellHandler(t, `
echo "args: $*" >&2
echo '{"phase":"progress","data":{"epoch":1}}'
echo "not json"
echo '{"result":{"task":"'"$2"'","extra":"'"$3"'"}}'
`)
		rec := &progressRecorder{}
		payload := json.RawMessage(`{"args":["--lr=0.1"]}`)

		result, err := h.Handle(ctx, payload, rec.record)
		require.NoError(t, err)
		assert.JSONEq(t, `{"task":"train","extra":"--lr=0.1"}`, string(result))
		require.Len(t, rec.events, 1)
		assert.Equal(t, model.ProgressPhaseProgress, rec.events[0].phase)
	})

	t.Run("StdinAndEnv", func(t *testing.T) {
		h := shellHandler(t, `
config=$(cat)
echo '{"result":{"config":'"$config"',"dataset":"'"$DATASET"'"}}'
`)
		payload := json.RawMessage(`{"config":{"epochs":3},"env":{"DATASET":"mnist"}}`)

		result, err := h.Handle(ctx, payload, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"config":{"epochs":3},"dataset":"mnist"}`, string(result))
	})

	t.Run("NoResultLine", func(t *testing.T) {
		h := shellHandler(t, `echo done`)
		result, err := h.Handle(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "null", string(result))
	})

	t.Run("ExitStatus", func(t *testing.T) {
		h := shellHandler(t, `echo "dataset not found" >&2; exit 3`)
		_, err := h.Handle(ctx, nil, nil)

		var taskErr *model.TaskError
		require.ErrorAs(t, err, &taskErr)
		assert.Equal(t, "exit_status", taskErr.Code)
		assert.Contains(t, taskErr.Message, "exit status 3")
		assert.Contains(t, taskErr.Message, "dataset not found")
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		h := shellHandler(t, `true`)
		_, err := h.Handle(ctx, json.RawMessage(`[1,2]`), nil)

		var taskErr *model.TaskError
		require.ErrorAs(t, err, &taskErr)
		assert.Equal(t, "invalid_payload", taskErr.Code)
	})

	t.Run("StartFailure", func(t *testing.T) {
		h := NewCommandHandler(model.TaskKindTrain, CommandConfig{Command: "/nonexistent/trainer"}, zaptest.NewLogger(t))
		_, err := h.Handle(ctx, nil, nil)

		var taskErr *model.TaskError
		require.ErrorAs(t, err, &taskErr)
		assert.Equal(t, "start_failed", taskErr.Code)
	})

	t.Run("Canceled", func(t *testing.T) {
		h := shellHandler(t, `exec sleep 30`)
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := h.Handle(ctx, nil, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 10*time.Second)
	})
}

func TestTailBuffer(t *testing.T) {
	var b tailBuffer
	_, _ = b.Write([]byte(strings.Repeat("a", stderrTailSize)))
	_, _ = b.Write([]byte("tail"))

	assert.Len(t, b.String(), stderrTailSize)
	assert.True(t, strings.HasSuffix(b.String(), "tail"))
}

func TestHTTPHandler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/predict":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"prediction":[1,0],"input":` + string(body) + `}`))
		case "/text":
			_, _ = w.Write([]byte("cat"))
		default:
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	t.Run("JSONResponse", func(t *testing.T) {
		h := NewHTTPHandler(server.URL+"/predict", time.Second, logger)
		rec := &progressRecorder{}

		result, err := h.Handle(ctx, json.RawMessage(`{"x":[0.1]}`), rec.record)
		require.NoError(t, err)
		assert.JSONEq(t, `{"prediction":[1,0],"input":{"x":[0.1]}}`, string(result))
		require.Len(t, rec.events, 1)
		assert.Equal(t, model.ProgressPhaseComplete, rec.events[0].phase)
	})

	t.Run("TextResponse", func(t *testing.T) {
		h := NewHTTPHandler(server.URL+"/text", time.Second, logger)
		result, err := h.Handle(ctx, json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `"cat"`, string(result))
	})

	t.Run("ErrorStatus", func(t *testing.T) {
		h := NewHTTPHandler(server.URL+"/missing", time.Second, logger)
		_, err := h.Handle(ctx, json.RawMessage(`{}`), nil)

		var taskErr *model.TaskError
		require.ErrorAs(t, err, &taskErr)
		assert.Equal(t, "http_status", taskErr.Code)
		assert.Contains(t, taskErr.Message, "503")
		assert.Contains(t, taskErr.Message, "model not loaded")
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		h := NewHTTPHandler(server.URL+"/predict", time.Second, logger)
		_, err := h.Handle(ctx, json.RawMessage(`{broken`), nil)

		var taskErr *model.TaskError
		require.ErrorAs(t, err, &taskErr)
		assert.Equal(t, "invalid_payload", taskErr.Code)
	})
}

func TestContainerHandler(t *testing.T) {
	h, err := NewContainerHandler(model.TaskKindTrain, ContainerConfig{
		Image:         "alpine:3.20",
		Cmd:           []string{"sh", "-c", `echo '{"phase":"progress","data":{"step":1}}'; echo '{"result":{"ok":true}}'`, "--"},
		MemoryLimitMB: 128,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := h.Ping(ctx); err != nil {
		t.Skipf("Docker daemon not available: %v", err)
	}

	rec := &progressRecorder{}
	result, err := h.Handle(ctx, json.RawMessage(`{"epochs":1}`), rec.record)
	if err != nil && strings.Contains(err.Error(), "No such image") {
		t.Skipf("test image not present: %v", err)
	}
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.NotEmpty(t, rec.events)

	require.NoError(t, h.Cleanup(ctx))
}
