package domain

import (
	"fmt"
	"time"
)

type SessionState string

const (
	SessionEnrolled  SessionState = "enrolled"
	SessionStarted   SessionState = "started"
	SessionCompleted SessionState = "completed"
	SessionStopped   SessionState = "stopped"
	SessionDestroyed SessionState = "destroyed"
)

// NoWorker marks a session that is not bound to a worker slot.
const NoWorker = -1

// Session is the live binding between an identity and one quest-solving attempt.
// Transitions only move forward: enrolled -> started -> completed|stopped -> destroyed.
type Session struct {
	identity  Identity
	worker    int
	attempt   string
	task      *TaskTarget
	started   bool
	stopped   bool
	completed bool
	destroyed bool
	reason    string
	log       ProgressLog
	createdAt time.Time
	updatedAt time.Time
}

func NewSession(identity Identity, now time.Time) *Session {
	return &Session{
		identity:  identity,
		worker:    NoWorker,
		createdAt: now,
		updatedAt: now,
	}
}

func (s *Session) Identity() Identity { return s.identity }
func (s *Session) ID() IdentityID     { return s.identity.ID }
func (s *Session) Worker() int        { return s.worker }
func (s *Session) Attempt() string    { return s.attempt }
func (s *Session) Started() bool      { return s.started }
func (s *Session) Stopped() bool      { return s.stopped }
func (s *Session) Completed() bool    { return s.completed }
func (s *Session) Destroyed() bool    { return s.destroyed }
func (s *Session) Reason() string     { return s.reason }

// Task returns a copy of the selected task.
func (s *Session) Task() (TaskTarget, bool) {
	if s.task == nil {
		return TaskTarget{}, false
	}
	return *s.task, true
}

// Terminal reports whether the session can no longer change.
func (s *Session) Terminal() bool {
	return s.completed || s.stopped || s.destroyed
}

// Active reports whether the session occupies a worker slot.
func (s *Session) Active() bool {
	return s.started && !s.Terminal()
}

func (s *Session) State() SessionState {
	switch {
	case s.destroyed:
		return SessionDestroyed
	case s.completed:
		return SessionCompleted
	case s.stopped:
		return SessionStopped
	case s.started:
		return SessionStarted
	default:
		return SessionEnrolled
	}
}

// Select sets the task to work on. It is only allowed before start.
func (s *Session) Select(task TaskTarget, now time.Time) error {
	if s.started {
		return ErrSessionAlreadyStarted
	}
	if s.Terminal() {
		return ErrSessionTerminated
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("select task: %w", err)
	}
	s.task = &task
	s.updatedAt = now
	return nil
}

// Start binds the session to a worker slot. attempt identifies this run on the
// worker's channel.
func (s *Session) Start(worker int, attempt string, now time.Time) error {
	if s.started {
		return ErrSessionAlreadyStarted
	}
	if s.Terminal() {
		return ErrSessionTerminated
	}
	if s.task == nil {
		return ErrNoTaskSelected
	}
	s.started = true
	s.worker = worker
	s.attempt = attempt
	s.updatedAt = now
	return nil
}

// ApplyProgress records a progress report and returns whether it changed the task.
// A report that completes the task moves the session to completed.
func (s *Session) ApplyProgress(progress, target float64, completed bool, now time.Time) bool {
	if !s.Active() || s.task == nil {
		return false
	}
	if target > 0 && s.task.Target != target {
		s.task.Target = target
	}
	changed := s.task.Advance(progress, completed)
	if s.task.Completed {
		s.completed = true
		s.reason = "completed"
	}
	if changed {
		s.updatedAt = now
	}
	return changed
}

// Stop moves a non-terminal session to stopped. It returns false when the session
// was already terminal.
func (s *Session) Stop(reason string, now time.Time) bool {
	if s.Terminal() {
		return false
	}
	s.stopped = true
	s.reason = reason
	s.updatedAt = now
	return true
}

// Log appends a line to the bounded progress log.
func (s *Session) Log(line string) bool {
	return s.log.Append(line)
}

func (s *Session) Logs() []string {
	return s.log.Lines()
}

// ReleaseWorker drops the worker reference and returns the slot it held.
func (s *Session) ReleaseWorker() (int, bool) {
	if s.worker == NoWorker {
		return NoWorker, false
	}
	worker := s.worker
	s.worker = NoWorker
	return worker, true
}

// Destroy ends the session's life. Only a diagnostic log residue is kept.
func (s *Session) Destroy(now time.Time) {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.worker = NoWorker
	s.log.Truncate(ProgressLogResidue)
	s.updatedAt = now
}

// SessionSnapshot is an immutable copy handed to observers.
type SessionSnapshot struct {
	Identity  IdentityID   `json:"identity" yaml:"identity"`
	State     SessionState `json:"state" yaml:"state"`
	Worker    int          `json:"worker" yaml:"worker"`
	Task      *TaskTarget  `json:"task,omitempty" yaml:"task,omitempty"`
	Percent   int          `json:"percent" yaml:"percent"`
	Reason    string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	Logs      []string     `json:"logs" yaml:"logs"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"updated_at"`
}

func (s *Session) Snapshot() SessionSnapshot {
	snapshot := SessionSnapshot{
		Identity:  s.identity.ID,
		State:     s.State(),
		Worker:    s.worker,
		Reason:    s.reason,
		Logs:      s.log.Lines(),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	if s.task != nil {
		task := *s.task
		snapshot.Task = &task
		snapshot.Percent = task.Percent()
	}
	return snapshot
}
