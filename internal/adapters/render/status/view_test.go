package status

import (
	"strings"
	"testing"
	"time"

	"github.com/bnema/questd/internal/application"
	"github.com/bnema/questd/internal/domain"
	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport(now time.Time) application.StatusReport {
	return application.StatusReport{
		RunID:  "5f0c1b2a-7d1e-4c55-9b0f-2f5d3c1a9e77",
		Global: 1,
		Limits: application.PoolLimits{PerWorkerCap: 4, GlobalCap: 10},
		Workers: []domain.WorkerSlot{
			{Index: 0, PID: 4242, Tasks: 1, Reported: 1, Ready: true, Healthy: true, RSSBytes: 12 << 20},
			{Index: 1, PID: 4243, Ready: true, Healthy: false},
		},
		Sessions: []domain.SessionSnapshot{
			{
				Identity: "42",
				State:    domain.SessionStarted,
				Worker:   0,
				Task: &domain.TaskTarget{
					QuestID: "q-1",
					ID:      "WATCH_VIDEO",
					Kind:    domain.TaskKindDuration,
					Target:  900,
					Current: 450,
				},
				Percent:   50,
				Logs:      []string{"logged in", "progress 300/900", "progress 450/900"},
				UpdatedAt: now.Add(-30 * time.Second),
			},
		},
	}
}

func TestRenderStatusReport(t *testing.T) {
	now := time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC)

	output, err := Render(sampleReport(now), RenderOptions{Now: now, Logs: 2})
	require.NoError(t, err)

	assert.Contains(t, output, "Quest Supervisor")
	assert.Contains(t, output, "run: 5f0c1b2a")
	assert.Contains(t, output, "sessions: 1")
	assert.Contains(t, output, "tasks: 1/10")
	assert.Contains(t, output, "worker 0 (pid 4242)")
	assert.Contains(t, output, "1/4")
	assert.Contains(t, output, "rss 12.0 MiB")
	assert.Contains(t, output, "[exited]")
	assert.Contains(t, output, "WATCH_VIDEO (q-1):")
	assert.Contains(t, output, " 50%")
	assert.Contains(t, output, "450/900")
	assert.Contains(t, output, "updated 30s ago")
	assert.Contains(t, output, "progress 450/900")
	assert.NotContains(t, output, "logged in", "only the trailing log lines are shown")
}

func TestRenderEmptyReport(t *testing.T) {
	output, err := Render(application.StatusReport{}, RenderOptions{})
	require.NoError(t, err)

	assert.Contains(t, output, "No workers.")
	assert.Contains(t, output, "No sessions.")
	assert.Contains(t, output, "tasks: 0/unlimited")
	assert.NotContains(t, output, "run:")
}

func TestRenderSessionWithoutTask(t *testing.T) {
	output, err := Render(application.StatusReport{
		Sessions: []domain.SessionSnapshot{{
			Identity: "7",
			State:    domain.SessionStopped,
			Worker:   domain.NoWorker,
			Reason:   "login failed",
		}},
	}, RenderOptions{})
	require.NoError(t, err)

	assert.Contains(t, output, "stopped")
	assert.Contains(t, output, "no task selected")
	assert.Contains(t, output, "reason: login failed")
	assert.NotContains(t, output, "on worker")
	assert.NotContains(t, output, "updated")
}

func TestRenderTruncatesToWidth(t *testing.T) {
	now := time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC)

	output, err := Render(sampleReport(now), RenderOptions{Now: now, Width: 20})
	require.NoError(t, err)

	for _, line := range strings.Split(output, "\n") {
		assert.LessOrEqual(t, ansi.StringWidth(line), 20, "line %q", line)
	}
}

func TestRenderProgressBar(t *testing.T) {
	s := newStyles()

	assert.Equal(t, "[=====-----]", ansi.Strip(renderProgressBar(50, 10, s)))
	assert.Equal(t, "[----------]", ansi.Strip(renderProgressBar(-5, 10, s)))
	assert.Equal(t, "[==========]", ansi.Strip(renderProgressBar(140, 10, s)))
	assert.Empty(t, renderProgressBar(50, 0, s))
}

func TestFormatHelpers(t *testing.T) {
	now := time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC)

	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "just now", formatAge(now.Add(time.Second), now))
	assert.Equal(t, "5m ago", formatAge(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", formatAge(now.Add(-3*time.Hour), now))
	assert.Equal(t, "11:00 on 12 Feb", formatAge(now.Add(-48*time.Hour), now))
	assert.Equal(t, "12.5", formatAmount(12.5))
	assert.Equal(t, "12", formatAmount(12))
	assert.Equal(t, "unlimited", capLabel(0))
}
