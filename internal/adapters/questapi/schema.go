package questapi

import (
	"sort"
	"time"

	"github.com/bnema/questd/internal/domain"
)

type questsResponse struct {
	Quests []questDocument `json:"quests"`
}

type questDocument struct {
	ID         string       `json:"id"`
	Config     questConfig  `json:"config"`
	UserStatus *questStatus `json:"user_status"`
}

type questConfig struct {
	ExpiresAt    *time.Time    `json:"expires_at"`
	Messages     questMessages `json:"messages"`
	TaskConfig   *taskConfig   `json:"task_config"`
	TaskConfigV2 *taskConfig   `json:"task_config_v2"`
}

type questMessages struct {
	QuestName string `json:"quest_name"`
	GameTitle string `json:"game_title"`
}

type taskConfig struct {
	Tasks map[string]taskDefinition `json:"tasks"`
}

type taskDefinition struct {
	Target float64 `json:"target"`
}

type questStatus struct {
	EnrolledAt  *time.Time              `json:"enrolled_at"`
	CompletedAt *time.Time              `json:"completed_at"`
	Progress    map[string]taskProgress `json:"progress"`
}

type taskProgress struct {
	Value       float64    `json:"value"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (r questsResponse) toDomain() []domain.Quest {
	quests := make([]domain.Quest, 0, len(r.Quests))
	for _, doc := range r.Quests {
		if doc.ID == "" {
			continue
		}
		quests = append(quests, doc.toDomain())
	}
	return quests
}

func (d questDocument) toDomain() domain.Quest {
	quest := domain.Quest{
		ID:        d.ID,
		Name:      d.Config.Messages.QuestName,
		GameTitle: d.Config.Messages.GameTitle,
		ExpiresAt: timeOrZero(d.Config.ExpiresAt),
	}

	tasks := d.Config.TaskConfigV2
	if tasks == nil || len(tasks.Tasks) == 0 {
		tasks = d.Config.TaskConfig
	}

	var progress map[string]taskProgress
	if d.UserStatus != nil {
		quest.EnrolledAt = timeOrZero(d.UserStatus.EnrolledAt)
		quest.CompletedAt = timeOrZero(d.UserStatus.CompletedAt)
		progress = d.UserStatus.Progress
	}

	if tasks != nil {
		for id, def := range tasks.Tasks {
			task := domain.QuestTask{ID: id, Target: def.Target}
			if p, ok := progress[id]; ok {
				task.Current = p.Value
				task.Completed = p.CompletedAt != nil
			}
			quest.Tasks = append(quest.Tasks, task)
		}
	}
	sort.Slice(quest.Tasks, func(i, j int) bool {
		return quest.Tasks[i].ID < quest.Tasks[j].ID
	})

	return quest
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
