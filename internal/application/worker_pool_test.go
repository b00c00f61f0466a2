package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bnema/questd/internal/domain"
)

func readyPool(t *testing.T, size int, limits PoolLimits, logger *zap.Logger) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(size, limits, logger)
	for i := 0; i < size; i++ {
		pool.MarkReady(i, 100+i)
	}
	return pool
}

func TestWorkerPoolLeastLoadedTiesToLowestIndex(t *testing.T) {
	t.Parallel()

	pool := readyPool(t, 3, PoolLimits{}, nil)

	tests := []struct {
		name   string
		assign []int
		want   int
	}{
		{name: "all empty", want: 0},
		{name: "first busy", assign: []int{0}, want: 1},
		{name: "two busy", assign: []int{1}, want: 2},
		{name: "all equal again", assign: []int{2}, want: 0},
	}

	for _, tc := range tests {
		for _, index := range tc.assign {
			pool.RecordAssignment(index)
		}
		got, err := pool.LeastLoaded(false)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestWorkerPoolSkipsUnreadyAndUnhealthy(t *testing.T) {
	t.Parallel()

	pool := NewWorkerPool(3, PoolLimits{}, nil)
	_, err := pool.LeastLoaded(true)
	assert.ErrorIs(t, err, domain.ErrNoWorkerAvailable)

	pool.MarkReady(1, 101)
	pool.MarkReady(2, 102)
	pool.MarkUnhealthy(1)

	got, err := pool.LeastLoaded(false)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestWorkerPoolAdmit(t *testing.T) {
	t.Parallel()

	pool := readyPool(t, 1, PoolLimits{GlobalCap: 2}, nil)
	require.NoError(t, pool.Admit(false))
	pool.RecordAssignment(0)
	pool.RecordAssignment(0)

	assert.ErrorIs(t, pool.Admit(false), domain.ErrCapacityReached)
	assert.NoError(t, pool.Admit(true))

	pool.SetLimits(PoolLimits{GlobalCap: 3})
	assert.NoError(t, pool.Admit(false))
}

func TestWorkerPoolGlobalMatchesSlotSum(t *testing.T) {
	t.Parallel()

	pool := readyPool(t, 4, PoolLimits{}, nil)
	ops := []struct {
		assign bool
		index  int
	}{
		{true, 0}, {true, 1}, {true, 1}, {false, 0}, {true, 3}, {false, 1}, {true, 2}, {false, 3},
	}
	for _, op := range ops {
		if op.assign {
			pool.RecordAssignment(op.index)
		} else {
			pool.RecordCompletion(op.index)
		}

		sum := 0
		for _, slot := range pool.Slots() {
			sum += slot.Tasks
		}
		assert.Equal(t, sum, pool.Global())
	}
	assert.Equal(t, 2, pool.Global())
}

func TestWorkerPoolCompletionUnderflowClampsAndLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	pool := readyPool(t, 2, PoolLimits{}, zap.New(core))

	pool.RecordCompletion(1)

	slot, ok := pool.Slot(1)
	require.True(t, ok)
	assert.Equal(t, 0, slot.Tasks)
	assert.Equal(t, 0, pool.Global())
	assert.GreaterOrEqual(t, logs.FilterMessage("worker task count underflow").Len(), 1)
}

func TestSessionRegistryPutRules(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := domain.TaskTarget{QuestID: "q", ID: "WATCH_VIDEO", Kind: domain.TaskKindDuration, Target: 10}
	registry := NewSessionRegistry()

	first := domain.NewSession(domain.Identity{ID: "42"}, now)
	require.NoError(t, first.Select(task, now))
	evicted, err := registry.Put("42", first)
	require.NoError(t, err)
	assert.Nil(t, evicted)

	second := domain.NewSession(domain.Identity{ID: "42"}, now)
	evicted, err = registry.Put("42", second)
	require.NoError(t, err)
	assert.Same(t, first, evicted, "unstarted session is replaced")

	require.NoError(t, second.Select(task, now))
	require.NoError(t, second.Start(0, "attempt-0", now))
	third := domain.NewSession(domain.Identity{ID: "42"}, now)
	_, err = registry.Put("42", third)
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyStarted)

	current, ok := registry.Get("42")
	require.True(t, ok)
	assert.Same(t, second, current)
	assert.Equal(t, 1, registry.Size())
	assert.Len(t, registry.OnWorker(0), 1)

	assert.False(t, registry.DeleteIf("42", third))
	assert.True(t, registry.DeleteIf("42", second))
	_, ok = registry.Delete("42")
	assert.False(t, ok)
	assert.Equal(t, 0, registry.Size())
}
