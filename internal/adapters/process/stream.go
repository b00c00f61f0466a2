package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bnema/questd/internal/ports"
	"github.com/bnema/questd/internal/protocol"
)

const (
	DefaultQueueSize = 256
	DefaultKillGrace = 5 * time.Second
)

var (
	ErrConnClosed = errors.New("worker connection closed")
	ErrQueueFull  = errors.New("worker send queue full")
)

type StreamOptions struct {
	PID int
	// Wait blocks until the process has exited. Nil for in-process streams.
	Wait      func() error
	Kill      func() error
	QueueSize int
	KillGrace time.Duration
	Logger    *zap.Logger
}

// StreamConn speaks the control protocol over a reader/writer pair. Sends are
// queued and written by a single goroutine so callers never block on the pipe.
type StreamConn struct {
	pid       int
	w         io.WriteCloser
	enc       *protocol.Encoder
	kill      func() error
	killGrace time.Duration
	logger    *zap.Logger

	queue    chan protocol.Message
	messages chan protocol.Message
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ ports.WorkerConn = (*StreamConn)(nil)

func NewStreamConn(r io.Reader, w io.WriteCloser, opts StreamOptions) *StreamConn {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &StreamConn{
		pid:       opts.PID,
		w:         w,
		enc:       protocol.NewEncoder(w),
		kill:      opts.Kill,
		killGrace: opts.KillGrace,
		logger:    opts.Logger.With(zap.String("component", "worker-conn"), zap.Int("pid", opts.PID)),
		queue:     make(chan protocol.Message, opts.QueueSize),
		messages:  make(chan protocol.Message),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop(r, opts.Wait)
	return c
}

func (c *StreamConn) Send(msg protocol.Message) error {
	select {
	case <-c.stop:
		return ErrConnClosed
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *StreamConn) Messages() <-chan protocol.Message { return c.messages }

func (c *StreamConn) Done() <-chan struct{} { return c.done }

func (c *StreamConn) PID() int { return c.pid }

func (c *StreamConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close flushes queued messages, closes the worker's input and kills the process
// if it has not exited after the kill grace.
func (c *StreamConn) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.kill != nil {
			go c.killAfterGrace()
		}
	})
	return nil
}

func (c *StreamConn) writeLoop() {
	defer func() {
		if err := c.w.Close(); err != nil {
			c.logger.Debug("close worker input", zap.Error(err))
		}
	}()

	for {
		select {
		case msg := <-c.queue:
			c.write(msg)
		case <-c.stop:
			for {
				select {
				case msg := <-c.queue:
					c.write(msg)
				default:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *StreamConn) write(msg protocol.Message) {
	if err := c.enc.Encode(msg); err != nil {
		c.logger.Warn("write to worker", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (c *StreamConn) readLoop(r io.Reader, wait func() error) {
	dec := protocol.NewDecoder(r)
	for {
		msg, err := dec.Decode()
		if errors.Is(err, protocol.ErrMalformed) {
			c.logger.Warn("skipping malformed worker message", zap.Error(err))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.setErr(fmt.Errorf("read worker output: %w", err))
			}
			break
		}
		c.messages <- msg
	}
	close(c.messages)

	if wait != nil {
		if err := wait(); err != nil {
			c.setErr(fmt.Errorf("worker exited: %w", err))
		}
	}
	close(c.done)
}

func (c *StreamConn) killAfterGrace() {
	timer := time.NewTimer(c.killGrace)
	defer timer.Stop()

	select {
	case <-c.done:
	case <-timer.C:
		c.logger.Warn("worker did not exit after input closed, killing")
		if err := c.kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Warn("kill worker", zap.Error(err))
		}
	}
}

func (c *StreamConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
