package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports"
	"github.com/bnema/questd/internal/protocol"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Job is one session hosted by this worker. Session is the attempt id the
// parent assigned to this run.
type Job struct {
	Identity   domain.IdentityID
	Session    string
	Credential string
	QuestID    string
	Method     string
	Kind       domain.TaskKind
	Current    float64
	Target     float64
	API        ports.QuestAPI
}

// Reporter sends session-scoped messages to the parent.
type Reporter interface {
	Progress(value, target float64, completed bool) error
	Notice(kind protocol.MessageType, message string) error
}

// Strategy drives one job. It must return promptly once ctx is cancelled and
// return domain.ErrUnauthorized when the credential is rejected.
type Strategy interface {
	Run(ctx context.Context, job Job, report Reporter) error
}

type StrategyFunc func(ctx context.Context, job Job, report Reporter) error

func (f StrategyFunc) Run(ctx context.Context, job Job, report Reporter) error {
	return f(ctx, job, report)
}

// Strategies resolves a strategy by method name first, then by task kind.
type Strategies struct {
	byMethod map[string]Strategy
	byKind   map[domain.TaskKind]Strategy
}

func NewStrategies() *Strategies {
	return &Strategies{
		byMethod: make(map[string]Strategy),
		byKind:   make(map[domain.TaskKind]Strategy),
	}
}

func (s *Strategies) Register(method string, strategy Strategy) *Strategies {
	s.byMethod[method] = strategy
	return s
}

func (s *Strategies) RegisterKind(kind domain.TaskKind, strategy Strategy) *Strategies {
	s.byKind[kind] = strategy
	return s
}

func (s *Strategies) Resolve(method string, kind domain.TaskKind) (Strategy, error) {
	if strategy, ok := s.byMethod[method]; ok {
		return strategy, nil
	}
	if strategy, ok := s.byKind[kind]; ok {
		return strategy, nil
	}
	return nil, fmt.Errorf("%w: method %q kind %q", ErrUnknownStrategy, method, kind)
}

// ObserveStrategy follows the progress the platform reports for the quest. It
// never submits progress itself.
type ObserveStrategy struct {
	Interval time.Duration
}

func (o ObserveStrategy) Run(ctx context.Context, job Job, report Reporter) error {
	interval := o.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	loggedIn := false
	for {
		quests, err := job.API.ListQuests(ctx, job.Credential)
		if err != nil {
			return err
		}
		if !loggedIn {
			loggedIn = true
			if err := report.Notice(protocol.TypeLoggedIn, ""); err != nil {
				return err
			}
		}

		quest, ok := domain.FindQuest(quests, job.QuestID)
		if !ok {
			return fmt.Errorf("quest %s: %w", job.QuestID, domain.ErrQuestNotFound)
		}

		task, err := quest.SelectTask(nil)
		switch {
		case errors.Is(err, domain.ErrQuestCompleted):
			return report.Progress(job.Target, job.Target, true)
		case err != nil:
			return err
		}
		if err := report.Progress(task.Current, task.Target, false); err != nil {
			return err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
