package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports"
	"github.com/bnema/questd/internal/protocol"
)

const DefaultKillTimeout = 2 * time.Second

// APIFactory returns the API client for an outbound proxy. Clients are cached per
// proxy so rate limit state is shared by every session using it.
type APIFactory func(proxy string) (ports.QuestAPI, error)

type Options struct {
	Strategies  *Strategies
	API         APIFactory
	KillTimeout time.Duration
	Logger      *zap.Logger
}

type handle struct {
	session string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Loop hosts sessions for one worker process. It reads control messages from
// the parent and writes session events back, one JSON envelope per line.
type Loop struct {
	strategies  *Strategies
	apiFactory  APIFactory
	killTimeout time.Duration
	logger      *zap.Logger

	enc *protocol.Encoder

	mu      sync.Mutex
	running map[domain.IdentityID]*handle
	clients map[string]ports.QuestAPI
	wg      sync.WaitGroup
}

func NewLoop(opts Options) *Loop {
	if opts.Strategies == nil {
		opts.Strategies = NewStrategies()
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Loop{
		strategies:  opts.Strategies,
		apiFactory:  opts.API,
		killTimeout: opts.KillTimeout,
		logger:      opts.Logger.With(zap.String("component", "worker-loop")),
		running:     make(map[domain.IdentityID]*handle),
		clients:     make(map[string]ports.QuestAPI),
	}
}

// Run announces readiness and serves control messages until in is closed or ctx
// is cancelled. Hosted sessions are cancelled before it returns.
func (l *Loop) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	l.enc = protocol.NewEncoder(out)
	if err := l.send(protocol.Message{Type: protocol.TypeReady}); err != nil {
		return err
	}

	messages := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(messages)
		dec := protocol.NewDecoder(in)
		for {
			msg, err := dec.Decode()
			if errors.Is(err, protocol.ErrMalformed) {
				l.logger.Warn("skipping malformed control message", zap.Error(err))
				continue
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	defer l.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			l.dispatch(ctx, msg)
		}
	}
}

// dispatch handles one control message. A panic is reported as a session error
// and never takes the worker down.
func (l *Loop) dispatch(ctx context.Context, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.emitError(msg.Identity(), msg.Session, fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
	}()

	switch msg.Type {
	case protocol.TypeStart:
		l.start(ctx, msg)
	case protocol.TypeKill:
		l.kill(msg)
	default:
		l.logger.Warn("ignoring unexpected control message", zap.String("type", string(msg.Type)))
	}
}

func (l *Loop) start(ctx context.Context, msg protocol.Message) {
	id := msg.Identity()
	if id == "" {
		l.logger.Warn("start without target")
		return
	}

	var data protocol.StartData
	if err := msg.Decode(&data); err != nil {
		l.emitError(id, msg.Session, err, "")
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	h := &handle{session: msg.Session, cancel: cancel, done: make(chan struct{})}
	api, count, err := l.register(id, h, data.Proxy)
	if err != nil {
		cancel()
		if errors.Is(err, errAlreadyRunning) {
			l.logger.Warn("session already running, ignoring start", zap.String("identity", string(id)))
			return
		}
		l.emitError(id, msg.Session, err, "")
		return
	}

	l.sendProcessUpdate(count)

	job := Job{
		Identity:   id,
		Session:    msg.Session,
		Credential: data.Token,
		QuestID:    data.QuestID,
		Method:     data.Method,
		Kind:       data.Kind,
		Current:    data.Current,
		Target:     data.Target,
		API:        api,
	}

	l.wg.Add(1)
	go l.runHandler(sessionCtx, h, job)
}

var errAlreadyRunning = errors.New("session already running")

// register records h as the running handler for id. A killed handler that is
// still winding down no longer counts as running.
func (l *Loop) register(id domain.IdentityID, h *handle, proxy string) (ports.QuestAPI, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.running[id]; ok {
		return nil, 0, errAlreadyRunning
	}
	api, err := l.clientLocked(proxy)
	if err != nil {
		return nil, 0, err
	}
	l.running[id] = h
	return api, len(l.running), nil
}

func (l *Loop) runHandler(ctx context.Context, h *handle, job Job) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		if l.running[job.Identity] == h {
			delete(l.running, job.Identity)
		}
		count := len(l.running)
		l.mu.Unlock()

		close(h.done)
		h.cancel()
		l.sendProcessUpdate(count)
	}()
	defer func() {
		if r := recover(); r != nil {
			l.emitError(job.Identity, job.Session, fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
	}()

	logger := l.logger.With(zap.String("identity", string(job.Identity)), zap.String("quest", job.QuestID))

	strategy, err := l.strategies.Resolve(job.Method, job.Kind)
	if err != nil {
		l.emitError(job.Identity, job.Session, err, "")
		return
	}

	logger.Info("session running", zap.String("method", job.Method))
	err = strategy.Run(ctx, job, newReporter(job.Identity, job.Session, l.enc, job.Current))

	switch {
	case err == nil:
		logger.Info("session finished")
	case ctx.Err() != nil:
		logger.Info("session cancelled")
	case errors.Is(err, domain.ErrUnauthorized):
		logger.Warn("credential rejected")
		msg := protocol.Message{Type: protocol.TypeLoginError, Target: string(job.Identity), Session: job.Session, Message: err.Error()}
		if sendErr := l.send(msg); sendErr != nil {
			logger.Error("report login error", zap.Error(sendErr))
		}
	default:
		l.emitError(job.Identity, job.Session, err, "")
	}
}

// kill cancels the hosted session and frees its identity at once, so a start
// that follows is a fresh session even while the old handler winds down. The
// acknowledgement waits for the handler to release its resources and carries the
// killed attempt. A kill naming a different attempt is stale and ignored.
func (l *Loop) kill(msg protocol.Message) {
	id := msg.Identity()

	l.mu.Lock()
	h, ok := l.running[id]
	if ok && msg.Session != "" && msg.Session != h.session {
		l.mu.Unlock()
		l.logger.Debug("ignoring kill for an earlier attempt", zap.String("identity", string(id)))
		return
	}
	if ok {
		delete(l.running, id)
	}
	count := len(l.running)
	l.mu.Unlock()

	if !ok {
		l.logger.Debug("kill for session not hosted here", zap.String("identity", string(id)))
		return
	}

	h.cancel()
	l.sendProcessUpdate(count)

	go func() {
		timer := time.NewTimer(l.killTimeout)
		defer timer.Stop()

		message := "stopped"
		select {
		case <-h.done:
		case <-timer.C:
			message = "stopped, handler still releasing resources"
			l.logger.Warn("session did not stop in time", zap.String("identity", string(id)))
		}

		ack := protocol.Message{Type: protocol.TypeKill, Target: string(id), Session: h.session, Message: message}
		if err := l.send(ack); err != nil {
			l.logger.Error("acknowledge kill", zap.String("identity", string(id)), zap.Error(err))
		}
	}()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	for _, h := range l.running {
		h.cancel()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.killTimeout):
		l.logger.Warn("sessions still running at shutdown")
	}
}

func (l *Loop) clientLocked(proxy string) (ports.QuestAPI, error) {
	if client, ok := l.clients[proxy]; ok {
		return client, nil
	}
	if l.apiFactory == nil {
		return nil, fmt.Errorf("no API client configured")
	}
	client, err := l.apiFactory(proxy)
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	l.clients[proxy] = client
	return client, nil
}

func (l *Loop) emitError(id domain.IdentityID, session string, err error, stack string) {
	l.logger.Error("session error", zap.String("identity", string(id)), zap.Error(err))
	msg, encErr := protocol.NewMessage(protocol.TypeError, id, protocol.ErrorData{Error: err.Error(), Stack: stack})
	if encErr != nil {
		l.logger.Error("encode error message", zap.Error(encErr))
		return
	}
	msg.Session = session
	if sendErr := l.send(msg); sendErr != nil {
		l.logger.Error("report session error", zap.Error(sendErr))
	}
}

func (l *Loop) sendProcessUpdate(count int) {
	msg, err := protocol.NewMessage(protocol.TypeProcessUpdate, "", protocol.ProcessUpdateData{Count: count})
	if err != nil {
		return
	}
	if err := l.send(msg); err != nil {
		l.logger.Error("report process update", zap.Error(err))
	}
}

func (l *Loop) send(msg protocol.Message) error {
	return l.enc.Encode(msg)
}

type reporter struct {
	mu      sync.Mutex
	id      domain.IdentityID
	session string
	enc     *protocol.Encoder
	last    float64
	done    bool
}

func newReporter(id domain.IdentityID, session string, enc *protocol.Encoder, start float64) *reporter {
	return &reporter{id: id, session: session, enc: enc, last: start}
}

// Progress never reports a value lower than one already sent, and nothing after
// completion.
func (r *reporter) Progress(value, target float64, completed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil
	}
	if value < r.last {
		value = r.last
	}
	r.last = value
	r.done = completed

	msg, err := protocol.NewMessage(protocol.TypeProgressUpdate, r.id, protocol.ProgressData{
		Progress:  value,
		Target:    target,
		Completed: completed,
	})
	if err != nil {
		return err
	}
	msg.Session = r.session
	return r.enc.Encode(msg)
}

func (r *reporter) Notice(kind protocol.MessageType, message string) error {
	return r.enc.Encode(protocol.Message{Type: kind, Target: string(r.id), Session: r.session, Message: message})
}
