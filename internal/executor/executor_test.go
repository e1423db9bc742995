package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/trainpool/internal/model"
)

type cleanableHandler struct {
	HandlerFunc
	err   error
	calls int
}

func (h *cleanableHandler) Cleanup(context.Context) error {
	h.calls++
	return h.err
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t))
	registry.RegisterHandler(model.TaskKindTrain, HandlerFunc(func(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error) {
		onProgress(model.ProgressPhaseProgress, nil)
		return json.RawMessage(`"trained"`), nil
	}))

	t.Run("Routes", func(t *testing.T) {
		var phases []model.ProgressPhase
		data, err := registry.Run(context.Background(), model.TaskKindTrain, nil, func(phase model.ProgressPhase, _ interface{}) {
			phases = append(phases, phase)
		})
		require.NoError(t, err)
		assert.JSONEq(t, `"trained"`, string(data))
		assert.Equal(t, []model.ProgressPhase{model.ProgressPhaseProgress}, phases)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		_, err := registry.Run(context.Background(), model.TaskKindPredict, nil, nil)
		var taskErr *model.TaskError
		require.ErrorAs(t, err, &taskErr)
		assert.Equal(t, "unsupported_kind", taskErr.Code)
	})
}

func TestRegistryCleanup(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t))
	ok := &cleanableHandler{}
	failing := &cleanableHandler{err: errors.New("busy")}
	registry.RegisterHandler(model.TaskKindTrain, ok)
	registry.RegisterHandler(model.TaskKindEvaluate, failing)
	registry.RegisterHandler(model.TaskKindPredict, HandlerFunc(nil))

	err := registry.Cleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluate")
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, failing.calls)

	failing.err = nil
	assert.NoError(t, registry.Cleanup(context.Background()))
}

func TestProcessSampler(t *testing.T) {
	sampler, err := NewProcessSampler(zaptest.NewLogger(t))
	require.NoError(t, err)

	usage, err := sampler.Sample()
	require.NoError(t, err)
	assert.Greater(t, usage.MemoryMB, 0.0)
	assert.GreaterOrEqual(t, usage.CPUSeconds, 0.0)
}

func TestSplitSampler(t *testing.T) {
	workers := 4
	s := NewSplitSampler(fixedSampler{usage: ResourceUsage{CPUSeconds: 8, MemoryMB: 200}}, func() int { return workers })

	usage, err := s.Sample()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, usage.CPUSeconds, 1e-9)
	assert.InDelta(t, 50.0, usage.MemoryMB, 1e-9)

	workers = 0
	usage, err = s.Sample()
	require.NoError(t, err)
	assert.InDelta(t, 200.0, usage.MemoryMB, 1e-9)
}
