package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports"
	"github.com/bnema/questd/internal/protocol"
)

const (
	DefaultStopGrace   = 500 * time.Millisecond
	DefaultMaxFailures = 3
	DefaultMethod      = "observe"

	effectTimeout = 5 * time.Second
)

type SupervisorConfig struct {
	Workers         int
	Limits          PoolLimits
	StopGrace       time.Duration
	Privileged      []domain.IdentityID
	DurationTaskIDs []string
	MaxFailures     int
	Method          string
	Proxy           string
}

// SupervisorDeps are the collaborators. Only API is required.
type SupervisorDeps struct {
	API        ports.QuestAPI
	Identities ports.IdentityRepository
	Solves     ports.SolveRepository
	Sink       ports.EventSink
	Metrics    ports.MetricsRecorder
	Clock      ports.Clock
	Logger     *zap.Logger
}

type EnrollRequest struct {
	Credential string
	QuestID    string
}

type StatusReport struct {
	RunID    string                   `json:"run_id" yaml:"run_id"`
	Global   int                      `json:"global" yaml:"global"`
	Limits   PoolLimits               `json:"limits" yaml:"limits"`
	Workers  []domain.WorkerSlot      `json:"workers" yaml:"workers"`
	Sessions []domain.SessionSnapshot `json:"sessions" yaml:"sessions"`
}

type listener struct {
	id uint64
	fn func(domain.SessionEvent)
}

// Supervisor owns the session registry and the worker pool. All bookkeeping
// happens under mu; observer callbacks and repository writes are queued while
// holding it and run after it is released, in the order they were queued.
type Supervisor struct {
	mu         sync.Mutex
	registry   *SessionRegistry
	pool       *WorkerPool
	conns      []ports.WorkerConn
	listeners  map[domain.IdentityID][]listener
	nextID     uint64
	privileged map[domain.IdentityID]struct{}
	timers     map[*domain.Session]*time.Timer
	pending    []func()
	draining   bool
	closed     bool

	cfg        SupervisorConfig
	api        ports.QuestAPI
	identities ports.IdentityRepository
	solves     ports.SolveRepository
	sink       ports.EventSink
	metrics    ports.MetricsRecorder
	clock      ports.Clock
	logger     *zap.Logger
	runID      string

	readers sync.WaitGroup
}

func NewSupervisor(cfg SupervisorConfig, deps SupervisorDeps) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	if cfg.DurationTaskIDs == nil {
		cfg.DurationTaskIDs = domain.DefaultDurationTaskIDs
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	runID := uuid.NewString()
	logger := deps.Logger.With(zap.String("component", "supervisor"), zap.String("run_id", runID))

	s := &Supervisor{
		registry:   NewSessionRegistry(),
		pool:       NewWorkerPool(cfg.Workers, cfg.Limits, deps.Logger),
		conns:      make([]ports.WorkerConn, cfg.Workers),
		listeners:  make(map[domain.IdentityID][]listener),
		timers:     make(map[*domain.Session]*time.Timer),
		cfg:        cfg,
		api:        deps.API,
		identities: deps.Identities,
		solves:     deps.Solves,
		sink:       deps.Sink,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		logger:     logger,
		runID:      runID,
	}
	s.setPrivileged(cfg.Privileged)
	return s
}

func (s *Supervisor) RunID() string {
	return s.runID
}

// Attach binds a worker connection to slot index and starts reading from it.
// The slot becomes eligible once the worker reports ready.
func (s *Supervisor) Attach(index int, conn ports.WorkerConn) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.conns) {
		s.mu.Unlock()
		return fmt.Errorf("attach worker %d: slot out of range", index)
	}
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("attach worker %d: supervisor is shut down", index)
	}
	s.conns[index] = conn
	s.mu.Unlock()

	s.readers.Add(1)
	go s.readLoop(index, conn)
	return nil
}

func (s *Supervisor) readLoop(index int, conn ports.WorkerConn) {
	defer s.readers.Done()

	for msg := range conn.Messages() {
		s.handleMessage(index, conn, msg)
	}
	<-conn.Done()
	s.handleExit(index, conn, conn.Err())
}

// Enroll validates the credential, makes sure the identity is enrolled in the
// quest on the platform and registers a session with the selected task. It does
// not start the session.
func (s *Supervisor) Enroll(ctx context.Context, req EnrollRequest) (domain.SessionSnapshot, error) {
	identity, err := domain.ParseIdentity(req.Credential)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	questID := strings.TrimSpace(req.QuestID)
	if questID == "" {
		return domain.SessionSnapshot{}, fmt.Errorf("quest id is required")
	}

	if err := s.checkActive(ctx, identity.ID); err != nil {
		return domain.SessionSnapshot{}, err
	}

	s.mu.Lock()
	if existing, ok := s.registry.Get(identity.ID); ok && existing.Active() {
		s.mu.Unlock()
		return domain.SessionSnapshot{}, domain.ErrSessionAlreadyStarted
	}
	s.mu.Unlock()

	quest, err := s.findQuest(ctx, identity.Credential, questID)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	if !quest.Enrolled() {
		if err := s.api.Enroll(ctx, identity.Credential, quest.ID); err != nil {
			return domain.SessionSnapshot{}, fmt.Errorf("enroll in quest %s: %w", quest.ID, err)
		}
		quest, err = s.findQuest(ctx, identity.Credential, questID)
		if err != nil {
			return domain.SessionSnapshot{}, err
		}
	}

	task, err := quest.SelectTask(s.cfg.DurationTaskIDs)
	if err != nil {
		return domain.SessionSnapshot{}, fmt.Errorf("quest %s: %w", quest.ID, err)
	}

	s.mu.Lock()
	defer s.unlock()

	now := s.clock.Now()
	session := domain.NewSession(identity, now)
	if err := session.Select(task, now); err != nil {
		return domain.SessionSnapshot{}, err
	}

	evicted, err := s.registry.Put(identity.ID, session)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	if evicted != nil {
		s.destroyEvictedLocked(evicted)
	}

	session.Log(fmt.Sprintf("enrolled in %s (%s %s)", quest.Label(), task.ID, task.Kind))
	s.emitLocked(domain.EventEnrolled, session, quest.Label())
	s.logger.Info("session enrolled",
		zap.String("identity", string(identity.ID)),
		zap.String("quest", quest.ID),
		zap.String("task", task.ID),
	)

	return session.Snapshot(), nil
}

// Start assigns an enrolled session to the least-loaded worker. bypass skips the
// capacity checks; configured privileged identities always bypass them.
func (s *Supervisor) Start(ctx context.Context, id domain.IdentityID, bypass bool) (domain.SessionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionSnapshot{}, err
	}
	if err := s.checkActive(ctx, id); err != nil {
		return domain.SessionSnapshot{}, err
	}

	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return domain.SessionSnapshot{}, domain.ErrNoWorkerAvailable
	}

	session, ok := s.registry.Get(id)
	if !ok {
		return domain.SessionSnapshot{}, domain.ErrSessionNotFound
	}
	if session.Started() {
		return domain.SessionSnapshot{}, domain.ErrSessionAlreadyStarted
	}
	if session.Terminal() {
		return domain.SessionSnapshot{}, domain.ErrSessionTerminated
	}
	task, ok := session.Task()
	if !ok {
		return domain.SessionSnapshot{}, domain.ErrNoTaskSelected
	}

	if _, privileged := s.privileged[id]; privileged {
		bypass = true
	}
	if err := s.pool.Admit(bypass); err != nil {
		return domain.SessionSnapshot{}, err
	}
	index, err := s.pool.LeastLoaded(bypass)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	conn := s.conns[index]
	if conn == nil {
		return domain.SessionSnapshot{}, domain.ErrNoWorkerAvailable
	}

	attempt := uuid.NewString()
	msg, err := protocol.NewMessage(protocol.TypeStart, id, protocol.StartData{
		Token:   session.Identity().Credential,
		QuestID: task.QuestID,
		Proxy:   s.cfg.Proxy,
		Method:  s.cfg.Method,
		Kind:    task.Kind,
		Current: task.Current,
		Target:  task.Target,
	})
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	msg.Session = attempt
	// Send only queues; the connection's writer goroutine does the pipe I/O.
	if err := conn.Send(msg); err != nil {
		return domain.SessionSnapshot{}, fmt.Errorf("dispatch start to worker %d: %w", index, err)
	}

	if err := session.Start(index, attempt, s.clock.Now()); err != nil {
		return domain.SessionSnapshot{}, err
	}
	s.pool.RecordAssignment(index)
	s.recordCountsLocked(index)
	s.metrics.SessionStarted()

	session.Log(fmt.Sprintf("started on worker %d", index))
	s.emitLocked(domain.EventStarted, session, fmt.Sprintf("worker %d", index))
	s.logger.Info("session started",
		zap.String("identity", string(id)),
		zap.Int("worker", index),
		zap.Bool("bypass", bypass),
	)

	return session.Snapshot(), nil
}

// Stop cancels a session. A started session gets a kill sent to its worker, its
// slot released, and is destroyed after the grace window whether or not the
// worker acknowledges. Stopping an already terminal session is a no-op.
func (s *Supervisor) Stop(id domain.IdentityID) error {
	s.mu.Lock()
	defer s.unlock()

	session, ok := s.registry.Get(id)
	if !ok {
		return domain.ErrSessionNotFound
	}
	if session.Terminal() {
		return nil
	}

	if !session.Started() {
		session.Stop("stopped before start", s.clock.Now())
		s.emitLocked(domain.EventStopped, session, session.Reason())
		s.destroyLocked(session)
		return nil
	}

	s.sendKillLocked(session)
	session.Stop("stopped by request", s.clock.Now())
	s.releaseLocked(session)
	s.metrics.SessionEnded(domain.EventStopped)
	s.emitLocked(domain.EventStopped, session, session.Reason())

	s.timers[session] = time.AfterFunc(s.cfg.StopGrace, func() {
		s.expire(session)
	})
	return nil
}

func (s *Supervisor) expire(session *domain.Session) {
	s.mu.Lock()
	defer s.unlock()

	delete(s.timers, session)
	if session.Destroyed() {
		return
	}
	s.destroyLocked(session)
}

// Subscribe registers fn for events of the identity's current session. The
// subscription ends when the session is destroyed or the returned func is called.
func (s *Supervisor) Subscribe(id domain.IdentityID, fn func(domain.SessionEvent)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil callback")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registry.Get(id); !ok {
		return nil, domain.ErrSessionNotFound
	}
	s.nextID++
	entry := listener{id: s.nextID, fn: fn}
	s.listeners[id] = append(s.listeners[id], entry)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.removeListenerLocked(id, entry.id)
	}, nil
}

func (s *Supervisor) Session(id domain.IdentityID) (domain.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.registry.Get(id)
	if !ok {
		return domain.SessionSnapshot{}, domain.ErrSessionNotFound
	}
	return session.Snapshot(), nil
}

func (s *Supervisor) Sessions() []domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.registry.List()
	out := make([]domain.SessionSnapshot, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Snapshot())
	}
	return out
}

func (s *Supervisor) Workers() []domain.WorkerSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Slots()
}

func (s *Supervisor) Status() StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.registry.List()
	snapshots := make([]domain.SessionSnapshot, 0, len(sessions))
	for _, session := range sessions {
		snapshots = append(snapshots, session.Snapshot())
	}
	return StatusReport{
		RunID:    s.runID,
		Global:   s.pool.Global(),
		Limits:   s.pool.Limits(),
		Workers:  s.pool.Slots(),
		Sessions: snapshots,
	}
}

// Size is the number of registered sessions.
func (s *Supervisor) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Size()
}

func (s *Supervisor) SetLimits(limits PoolLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.SetLimits(limits)
	s.logger.Info("pool limits updated",
		zap.Int("per_worker_cap", limits.PerWorkerCap),
		zap.Int("global_cap", limits.GlobalCap),
	)
}

func (s *Supervisor) SetPrivileged(ids []domain.IdentityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPrivileged(ids)
}

func (s *Supervisor) setPrivileged(ids []domain.IdentityID) {
	s.privileged = make(map[domain.IdentityID]struct{}, len(ids))
	for _, id := range ids {
		s.privileged[id] = struct{}{}
	}
}

// WaitReady blocks until n workers have reported ready.
func (s *Supervisor) WaitReady(ctx context.Context, n int) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.readyCount() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %d ready workers: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) readyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := 0
	for _, slot := range s.pool.Slots() {
		if slot.Ready && slot.Healthy {
			ready++
		}
	}
	return ready
}

// RefreshUsage samples resident memory of every live worker.
func (s *Supervisor) RefreshUsage(usage ports.ProcessUsage) {
	if usage == nil {
		return
	}

	pids := make(map[int]int)
	s.mu.Lock()
	for _, slot := range s.pool.Slots() {
		if slot.Healthy && slot.PID > 0 {
			pids[slot.Index] = slot.PID
		}
	}
	s.mu.Unlock()

	samples := make(map[int]int64, len(pids))
	for index, pid := range pids {
		rss, err := usage.RSS(pid)
		if err != nil {
			s.logger.Debug("read worker usage", zap.Int("worker", index), zap.Int("pid", pid), zap.Error(err))
			continue
		}
		samples[index] = rss
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for index, rss := range samples {
		s.pool.SetRSS(index, rss)
	}
}

// Shutdown stops every live session, closes the worker connections and waits for
// their readers to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	for _, session := range s.registry.List() {
		if session.Destroyed() {
			continue
		}
		if session.Active() {
			s.sendKillLocked(session)
			session.Stop("shutdown", s.clock.Now())
			s.releaseLocked(session)
			s.metrics.SessionEnded(domain.EventStopped)
			s.emitLocked(domain.EventStopped, session, session.Reason())
		}
		s.destroyLocked(session)
	}
	for session, timer := range s.timers {
		timer.Stop()
		delete(s.timers, session)
	}
	conns := append([]ports.WorkerConn(nil), s.conns...)
	s.unlock()

	var errs []error
	for index, conn := range conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close worker %d: %w", index, err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for worker readers: %w", ctx.Err()))
	}

	return errors.Join(errs...)
}

func (s *Supervisor) handleMessage(index int, conn ports.WorkerConn, msg protocol.Message) {
	s.mu.Lock()
	defer s.unlock()

	logger := s.logger.With(zap.Int("worker", index), zap.String("type", string(msg.Type)))

	if !msg.SessionScoped() {
		switch msg.Type {
		case protocol.TypeReady:
			s.pool.MarkReady(index, conn.PID())
			logger.Info("worker ready", zap.Int("pid", conn.PID()))
		case protocol.TypeProcessUpdate:
			var data protocol.ProcessUpdateData
			if err := msg.Decode(&data); err != nil {
				logger.Warn("bad process update", zap.Error(err))
				return
			}
			s.pool.SetReported(index, data.Count)
			if slot, ok := s.pool.Slot(index); ok && slot.Tasks != data.Count {
				logger.Debug("worker count differs", zap.Int("reported", data.Count), zap.Int("tracked", slot.Tasks))
			}
		case protocol.TypeError:
			var data protocol.ErrorData
			_ = msg.Decode(&data)
			logger.Error("worker error", zap.String("error", data.Error), zap.String("stack", data.Stack))
		case protocol.TypeDevelopersMessage:
			logger.Info("worker notice", zap.String("message", msg.Message))
		default:
			logger.Debug("dropping untargeted message")
			s.metrics.MessageDropped("untargeted")
		}
		return
	}

	id := msg.Identity()
	session, ok := s.registry.Get(id)
	switch {
	case !ok:
		logger.Debug("dropping message for unknown session", zap.String("identity", string(id)))
		s.metrics.MessageDropped("unknown")
		return
	case session.Terminal():
		logger.Debug("dropping message for terminated session", zap.String("identity", string(id)))
		s.metrics.MessageDropped("terminal")
		return
	case !session.Started() || session.Worker() != index:
		logger.Debug("dropping message from unassigned worker", zap.String("identity", string(id)))
		s.metrics.MessageDropped("unassigned")
		return
	case msg.Session != "" && msg.Session != session.Attempt():
		logger.Debug("dropping message from an earlier attempt",
			zap.String("identity", string(id)),
			zap.String("attempt", msg.Session),
		)
		s.metrics.MessageDropped("stale")
		return
	}

	switch {
	case msg.Type == protocol.TypeProgressUpdate:
		var data protocol.ProgressData
		if err := msg.Decode(&data); err != nil {
			logger.Warn("bad progress update", zap.Error(err))
			return
		}
		s.applyProgressLocked(session, data)
	case msg.Terminal():
		s.endFromWorkerLocked(logger, session, msg)
	case msg.Informational():
		line := strings.ReplaceAll(string(msg.Type), "_", " ")
		if msg.Message != "" {
			line += ": " + msg.Message
		}
		if session.Log(line) {
			s.emitLocked(domain.EventLog, session, line)
		}
	default:
		logger.Debug("dropping unsupported message", zap.String("identity", string(id)))
		s.metrics.MessageDropped("unsupported")
	}
}

// endFromWorkerLocked ends a session the worker reported as over. Credential
// rejections and handler errors count against the identity.
func (s *Supervisor) endFromWorkerLocked(logger *zap.Logger, session *domain.Session, msg protocol.Message) {
	kind := domain.EventFailed
	var reason string
	failure := false

	switch msg.Type {
	case protocol.TypeKill:
		kind = domain.EventKilled
		reason = "killed by worker"
	case protocol.TypeLoggedOut:
		kind = domain.EventKilled
		reason = "logged out"
	case protocol.TypeLoginError:
		reason = "login error"
		failure = true
	case protocol.TypeError:
		var data protocol.ErrorData
		_ = msg.Decode(&data)
		reason = data.Error
		if reason == "" {
			reason = "worker error"
		}
		logger.Error("session error",
			zap.String("identity", string(session.ID())),
			zap.String("error", reason),
			zap.String("stack", data.Stack),
		)
		failure = true
	default:
		reason = strings.ReplaceAll(string(msg.Type), "_", " ")
	}

	switch {
	case msg.Type == protocol.TypeKill && msg.Message != "":
		reason = msg.Message
	case msg.Type != protocol.TypeError && msg.Message != "":
		reason += ": " + msg.Message
	}

	s.finishLocked(session, kind, reason)
	if failure {
		s.queueIdentityOutcomeLocked(session.ID(), false)
	}
}

func (s *Supervisor) applyProgressLocked(session *domain.Session, data protocol.ProgressData) {
	if !session.ApplyProgress(data.Progress, data.Target, data.Completed, s.clock.Now()) {
		return
	}

	task, _ := session.Task()
	line := fmt.Sprintf("progress %s/%s (%d%%)", formatValue(task.Current), formatValue(task.Target), task.Percent())
	session.Log(line)

	if !session.Completed() {
		s.emitLocked(domain.EventProgress, session, line)
		return
	}

	s.releaseLocked(session)
	s.metrics.SessionEnded(domain.EventCompleted)
	s.emitLocked(domain.EventCompleted, session, task.ID)
	s.destroyLocked(session)

	id := session.ID()
	questID := task.QuestID
	s.queueIdentityOutcomeLocked(id, true)
	if s.solves != nil {
		s.pending = append(s.pending, func() {
			ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
			defer cancel()
			count, err := s.solves.Increment(ctx, questID)
			if err != nil {
				s.logger.Error("record solve", zap.String("quest", questID), zap.Error(err))
				return
			}
			s.logger.Info("quest solved", zap.String("identity", string(id)), zap.String("quest", questID), zap.Int("solves", count))
		})
	}
}

func (s *Supervisor) handleExit(index int, conn ports.WorkerConn, exitErr error) {
	s.mu.Lock()
	defer s.unlock()

	if s.conns[index] == conn {
		s.pool.MarkUnhealthy(index)
	}
	s.metrics.WorkerExited(index)

	if s.closed {
		s.logger.Info("worker exited", zap.Int("worker", index), zap.Error(exitErr))
		return
	}

	sessions := s.registry.OnWorker(index)
	s.logger.Error("worker exited unexpectedly",
		zap.Int("worker", index),
		zap.Int("pid", conn.PID()),
		zap.Int("sessions", len(sessions)),
		zap.Error(exitErr),
	)
	for _, session := range sessions {
		s.finishLocked(session, domain.EventKilled, "worker exited")
	}
}

// finishLocked ends a live session: stop, release its slot, notify, destroy.
func (s *Supervisor) finishLocked(session *domain.Session, kind domain.EventKind, reason string) {
	session.Stop(reason, s.clock.Now())
	session.Log(reason)
	s.releaseLocked(session)
	s.metrics.SessionEnded(kind)
	s.emitLocked(kind, session, reason)
	s.destroyLocked(session)
}

func (s *Supervisor) releaseLocked(session *domain.Session) {
	index, ok := session.ReleaseWorker()
	if !ok {
		return
	}
	s.pool.RecordCompletion(index)
	s.recordCountsLocked(index)
}

func (s *Supervisor) recordCountsLocked(index int) {
	if slot, ok := s.pool.Slot(index); ok {
		s.metrics.SetSlotTasks(index, slot.Tasks)
	}
	s.metrics.SetGlobalTasks(s.pool.Global())
}

func (s *Supervisor) sendKillLocked(session *domain.Session) {
	index := session.Worker()
	if index == domain.NoWorker || index >= len(s.conns) || s.conns[index] == nil {
		return
	}
	msg := protocol.Message{Type: protocol.TypeKill, Target: string(session.ID()), Session: session.Attempt()}
	if err := s.conns[index].Send(msg); err != nil {
		s.logger.Warn("send kill", zap.Int("worker", index), zap.String("identity", string(session.ID())), zap.Error(err))
	}
}

// destroyLocked removes the session and its subscriptions. Listeners still get
// the destroyed event.
func (s *Supervisor) destroyLocked(session *domain.Session) {
	if timer, ok := s.timers[session]; ok {
		timer.Stop()
		delete(s.timers, session)
	}
	session.Destroy(s.clock.Now())
	removed := s.registry.DeleteIf(session.ID(), session)
	s.emitLocked(domain.EventDestroyed, session, session.Reason())
	if removed {
		delete(s.listeners, session.ID())
	}
}

func (s *Supervisor) destroyEvictedLocked(session *domain.Session) {
	if timer, ok := s.timers[session]; ok {
		timer.Stop()
		delete(s.timers, session)
	}
	if !session.Terminal() {
		session.Stop("replaced", s.clock.Now())
	}
	session.Destroy(s.clock.Now())
	s.emitLocked(domain.EventDestroyed, session, session.Reason())
	delete(s.listeners, session.ID())
}

func (s *Supervisor) removeListenerLocked(id domain.IdentityID, listenerID uint64) {
	entries := s.listeners[id]
	for i, entry := range entries {
		if entry.id == listenerID {
			s.listeners[id] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.listeners[id]) == 0 {
		delete(s.listeners, id)
	}
}

func (s *Supervisor) emitLocked(kind domain.EventKind, session *domain.Session, message string) {
	event := domain.SessionEvent{
		Kind:     kind,
		Identity: session.ID(),
		Message:  message,
		Session:  session.Snapshot(),
		At:       s.clock.Now(),
	}
	entries := append([]listener(nil), s.listeners[session.ID()]...)
	sink := s.sink

	s.pending = append(s.pending, func() {
		for _, entry := range entries {
			s.deliver(entry.fn, event)
		}
		if sink != nil {
			sink.Publish(event)
		}
	})
}

func (s *Supervisor) deliver(fn func(domain.SessionEvent), event domain.SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session listener panicked",
				zap.String("identity", string(event.Identity)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(event)
}

func (s *Supervisor) queueIdentityOutcomeLocked(id domain.IdentityID, success bool) {
	if s.identities == nil {
		return
	}
	s.pending = append(s.pending, func() {
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()
		s.recordIdentityOutcome(ctx, id, success)
	})
}

func (s *Supervisor) recordIdentityOutcome(ctx context.Context, id domain.IdentityID, success bool) {
	record, err := s.identities.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrIdentityNotFound) {
			s.logger.Error("load identity", zap.String("identity", string(id)), zap.Error(err))
		}
		return
	}

	now := s.clock.Now()
	deactivated := false
	if success {
		if record.Failures == 0 {
			return
		}
		record.RecordSuccess(now)
	} else {
		deactivated = record.RecordFailure(s.cfg.MaxFailures, now)
	}

	if err := s.identities.Save(ctx, record); err != nil {
		s.logger.Error("save identity", zap.String("identity", string(id)), zap.Error(err))
		return
	}
	if deactivated {
		s.logger.Warn("identity deactivated after repeated failures",
			zap.String("identity", string(id)),
			zap.Int("failures", record.Failures),
		)
	}
}

func (s *Supervisor) checkActive(ctx context.Context, id domain.IdentityID) error {
	if s.identities == nil {
		return nil
	}
	record, err := s.identities.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotFound) {
			return nil
		}
		return fmt.Errorf("load identity %s: %w", id, err)
	}
	if !record.Active {
		return domain.ErrIdentityInactive
	}
	return nil
}

func (s *Supervisor) findQuest(ctx context.Context, credential, questID string) (domain.Quest, error) {
	quests, err := s.api.ListQuests(ctx, credential)
	if err != nil {
		return domain.Quest{}, fmt.Errorf("list quests: %w", err)
	}
	quests = domain.FilterActiveQuests(quests, s.clock.Now())
	quest, ok := domain.FindQuest(quests, questID)
	if !ok {
		return domain.Quest{}, domain.ErrQuestNotFound
	}
	return quest, nil
}

// unlock releases mu and runs queued callbacks. Only one goroutine drains at a
// time; callbacks that re-enter the supervisor queue more work for that drainer.
func (s *Supervisor) unlock() {
	drain := len(s.pending) > 0 && !s.draining
	if drain {
		s.draining = true
	}
	s.mu.Unlock()

	if drain {
		s.drain()
	}
}

func (s *Supervisor) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, run := range batch {
			run()
		}
	}
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()               {}
func (nopMetrics) SessionEnded(domain.EventKind) {}
func (nopMetrics) MessageDropped(string)         {}
func (nopMetrics) WorkerExited(int)              {}
func (nopMetrics) SetSlotTasks(int, int)         {}
func (nopMetrics) SetGlobalTasks(int)            {}
