package application

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/protocol"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func credentialFor(id string) string {
	return base64.RawStdEncoding.EncodeToString([]byte(id)) + ".stamp.signature"
}

type fakeConn struct {
	mu       sync.Mutex
	sent     []protocol.Message
	messages chan protocol.Message
	done     chan struct{}
	pid      int
	err      error
	once     sync.Once
}

func newFakeConn(pid int) *fakeConn {
	return &fakeConn{
		messages: make(chan protocol.Message, 64),
		done:     make(chan struct{}),
		pid:      pid,
	}
}

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Messages() <-chan protocol.Message { return c.messages }
func (c *fakeConn) Done() <-chan struct{}             { return c.done }
func (c *fakeConn) PID() int                          { return c.pid }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.exit(nil)
	return nil
}

func (c *fakeConn) exit(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.messages)
		close(c.done)
	})
}

func (c *fakeConn) emit(t *testing.T, kind protocol.MessageType, target string, data any) {
	t.Helper()
	msg, err := protocol.NewMessage(kind, domain.IdentityID(target), data)
	require.NoError(t, err)
	c.messages <- msg
}

func (c *fakeConn) deliver(msg protocol.Message) {
	c.messages <- msg
}

func (c *fakeConn) sentOfType(kind protocol.MessageType) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []protocol.Message
	for _, msg := range c.sent {
		if msg.Type == kind {
			out = append(out, msg)
		}
	}
	return out
}

type fakeAPI struct {
	mu       sync.Mutex
	quests   []domain.Quest
	enrolled map[string]bool
	listErr  error
}

func newFakeAPI(quests ...domain.Quest) *fakeAPI {
	return &fakeAPI{quests: quests, enrolled: make(map[string]bool)}
}

func (a *fakeAPI) ListQuests(_ context.Context, credential string) ([]domain.Quest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listErr != nil {
		return nil, a.listErr
	}
	out := make([]domain.Quest, 0, len(a.quests))
	for _, quest := range a.quests {
		if a.enrolled[credential+"/"+quest.ID] {
			quest.EnrolledAt = fixedNow
		}
		out = append(out, quest)
	}
	return out, nil
}

func (a *fakeAPI) Enroll(_ context.Context, credential string, questID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enrolled[credential+"/"+questID] = true
	return nil
}

type memoryIdentities struct {
	mu      sync.Mutex
	records map[domain.IdentityID]domain.IdentityRecord
}

func newMemoryIdentities(records ...domain.IdentityRecord) *memoryIdentities {
	repo := &memoryIdentities{records: make(map[domain.IdentityID]domain.IdentityRecord)}
	for _, record := range records {
		repo.records[record.ID] = record
	}
	return repo
}

func (r *memoryIdentities) GetByID(_ context.Context, id domain.IdentityID) (domain.IdentityRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return domain.IdentityRecord{}, domain.ErrIdentityNotFound
	}
	return record, nil
}

func (r *memoryIdentities) List(_ context.Context) ([]domain.IdentityRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.IdentityRecord, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, record)
	}
	return out, nil
}

func (r *memoryIdentities) Save(_ context.Context, record domain.IdentityRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.ID] = record
	return nil
}

func (r *memoryIdentities) Delete(_ context.Context, id domain.IdentityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return domain.ErrIdentityNotFound
	}
	delete(r.records, id)
	return nil
}

type memorySolves struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemorySolves() *memorySolves {
	return &memorySolves{counts: make(map[string]int)}
}

func (r *memorySolves) Increment(_ context.Context, questID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[questID]++
	return r.counts[questID], nil
}

func (r *memorySolves) Get(_ context.Context, questID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[questID], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (s *recordingSink) Publish(event domain.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) kinds(id domain.IdentityID) []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.EventKind
	for _, event := range s.events {
		if event.Identity == id {
			out = append(out, event.Kind)
		}
	}
	return out
}

func (s *recordingSink) count(kind domain.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, event := range s.events {
		if event.Kind == kind {
			n++
		}
	}
	return n
}
