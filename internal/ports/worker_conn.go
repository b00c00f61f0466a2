package ports

import (
	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/protocol"
)

// WorkerConn is the parent's end of one worker's process channel.
type WorkerConn interface {
	// Send queues a message for the worker without blocking on the pipe.
	Send(msg protocol.Message) error
	// Messages is closed once the worker's output ends.
	Messages() <-chan protocol.Message
	// Done is closed once the worker process has exited.
	Done() <-chan struct{}
	Err() error
	PID() int
	Close() error
}

type EventSink interface {
	Publish(event domain.SessionEvent)
}

// MetricsRecorder receives supervisor counters. A nil recorder is allowed.
type MetricsRecorder interface {
	SessionStarted()
	SessionEnded(kind domain.EventKind)
	MessageDropped(reason string)
	WorkerExited(index int)
	SetSlotTasks(index int, tasks int)
	SetGlobalTasks(tasks int)
}

// ProcessUsage samples resource usage of a process.
type ProcessUsage interface {
	RSS(pid int) (int64, error)
}
