package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type TaskKind string

const (
	TaskKindDuration TaskKind = "duration"
	TaskKindCount    TaskKind = "count"
)

// DefaultDurationTaskIDs lists the task ids measured in seconds rather than counts.
var DefaultDurationTaskIDs = []string{
	"WATCH_VIDEO",
	"WATCH_VIDEO_ON_MOBILE",
	"PLAY_ON_DESKTOP",
	"PLAY_ON_XBOX",
	"PLAY_ON_PLAYSTATION",
	"STREAM_ON_DESKTOP",
	"PLAY_ACTIVITY",
}

// ResolveTaskKind maps a task id onto its kind once, so nothing downstream has to
// repeat the membership check.
func ResolveTaskKind(taskID string, durationIDs []string) TaskKind {
	for _, id := range durationIDs {
		if strings.EqualFold(strings.TrimSpace(id), taskID) {
			return TaskKindDuration
		}
	}
	return TaskKindCount
}

// TaskTarget is the sub-objective a session works towards.
type TaskTarget struct {
	QuestID   string   `json:"quest_id" yaml:"quest_id"`
	ID        string   `json:"id" yaml:"id"`
	Kind      TaskKind `json:"kind" yaml:"kind"`
	Target    float64  `json:"target" yaml:"target"`
	Current   float64  `json:"current" yaml:"current"`
	Completed bool     `json:"completed" yaml:"completed"`
}

func (t TaskTarget) Validate() error {
	if strings.TrimSpace(t.QuestID) == "" {
		return fmt.Errorf("quest id is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Kind != TaskKindDuration && t.Kind != TaskKindCount {
		return fmt.Errorf("unsupported task kind %q", t.Kind)
	}
	if t.Target <= 0 {
		return fmt.Errorf("task target must be positive")
	}
	return nil
}

// Advance applies a progress report. Current never decreases and a completed task
// stays completed. It reports whether anything changed.
func (t *TaskTarget) Advance(value float64, completed bool) bool {
	if t.Completed {
		return false
	}

	changed := false
	if value > t.Current {
		t.Current = value
		changed = true
	}
	if completed || (t.Target > 0 && t.Current >= t.Target) {
		t.Completed = true
		changed = true
	}
	return changed
}

func (t TaskTarget) Percent() int {
	if t.Completed {
		return 100
	}
	if t.Target <= 0 {
		return 0
	}
	return int(math.Min(100, math.Floor(t.Current/t.Target*100)))
}

// Quest is the subset of the platform's quest document the coordinator needs.
type Quest struct {
	ID          string
	Name        string
	GameTitle   string
	ExpiresAt   time.Time
	EnrolledAt  time.Time
	CompletedAt time.Time
	Tasks       []QuestTask
}

type QuestTask struct {
	ID        string
	Target    float64
	Current   float64
	Completed bool
}

func (q Quest) Enrolled() bool {
	return !q.EnrolledAt.IsZero()
}

func (q Quest) Expired(now time.Time) bool {
	if q.ExpiresAt.IsZero() {
		return false
	}
	return !q.ExpiresAt.After(now)
}

func (q Quest) Label() string {
	if q.GameTitle == "" {
		return q.Name
	}
	return q.GameTitle + ": " + q.Name
}

// SelectTask picks the unfinished task closest to completion, ties broken by id.
func (q Quest) SelectTask(durationIDs []string) (TaskTarget, error) {
	if !q.CompletedAt.IsZero() {
		return TaskTarget{}, ErrQuestCompleted
	}

	candidates := make([]QuestTask, 0, len(q.Tasks))
	for _, task := range q.Tasks {
		if task.Completed || task.Target <= 0 || task.Current >= task.Target {
			continue
		}
		candidates = append(candidates, task)
	}
	if len(candidates) == 0 {
		return TaskTarget{}, ErrQuestCompleted
	}

	sort.Slice(candidates, func(i, j int) bool {
		left := candidates[i].Current / candidates[i].Target
		right := candidates[j].Current / candidates[j].Target
		if left == right {
			return candidates[i].ID < candidates[j].ID
		}
		return left > right
	})

	picked := candidates[0]
	return TaskTarget{
		QuestID: q.ID,
		ID:      picked.ID,
		Kind:    ResolveTaskKind(picked.ID, durationIDs),
		Target:  picked.Target,
		Current: picked.Current,
	}, nil
}

// FilterActiveQuests drops expired quests and keeps the input order.
func FilterActiveQuests(quests []Quest, now time.Time) []Quest {
	active := make([]Quest, 0, len(quests))
	for _, quest := range quests {
		if quest.Expired(now) {
			continue
		}
		active = append(active, quest)
	}
	return active
}

func FindQuest(quests []Quest, id string) (Quest, bool) {
	for _, quest := range quests {
		if quest.ID == id {
			return quest, true
		}
	}
	return Quest{}, false
}
