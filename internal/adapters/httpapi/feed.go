package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports"
)

const (
	DefaultFeedBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	readLimit  = 1 << 10
)

// Feed broadcasts session events to websocket clients. A client whose buffer is
// full misses events rather than slowing down the supervisor.
type Feed struct {
	upgrader websocket.Upgrader
	buffer   int
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*feedClient
	closed  bool
}

type feedClient struct {
	id       string
	identity domain.IdentityID
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() { close(c.done) })
}

var _ ports.EventSink = (*Feed)(nil)

func NewFeed(buffer int, logger *zap.Logger) *Feed {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		buffer:  buffer,
		logger:  logger.With(zap.String("component", "event-feed")),
		clients: make(map[string]*feedClient),
	}
}

func (f *Feed) Publish(event domain.SessionEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("encode event", zap.Error(err))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, client := range f.clients {
		if client.identity != "" && client.identity != event.Identity {
			continue
		}
		select {
		case client.send <- data:
		default:
			f.logger.Debug("feed client too slow, dropping event", zap.String("client", client.id))
		}
	}
}

// ServeHTTP upgrades the request. ?identity=<id> limits the feed to one session.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &feedClient{
		id:       uuid.NewString(),
		identity: domain.IdentityID(r.URL.Query().Get("identity")),
		conn:     conn,
		send:     make(chan []byte, f.buffer),
		done:     make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.clients[client.id] = client
	f.mu.Unlock()
	f.logger.Debug("feed client connected", zap.String("client", client.id))

	go f.writePump(client)
	f.readPump(client)
}

func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	clients := make([]*feedClient, 0, len(f.clients))
	for _, client := range f.clients {
		clients = append(clients, client)
	}
	f.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// readPump only exists to process control frames and notice disconnects.
func (f *Feed) readPump(client *feedClient) {
	defer f.remove(client)

	client.conn.SetReadLimit(readLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.NextReader(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(client *feedClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.close()
		_ = client.conn.Close()
	}()

	for {
		select {
		case data := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				f.logger.Debug("feed write failed", zap.String("client", client.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (f *Feed) remove(client *feedClient) {
	f.mu.Lock()
	delete(f.clients, client.id)
	f.mu.Unlock()
	client.close()
	f.logger.Debug("feed client disconnected", zap.String("client", client.id))
}
