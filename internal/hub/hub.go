// Package hub is the server side of the awareness relay. Every websocket
// connection owns one entry of its board's replicated map, and changes made
// by other connections are forwarded to it.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"boardsync/internal/model"
	"boardsync/internal/replica"
	"github.com/redis/go-redis/v9"
)

var errWriteFailed = errors.New("hub: welcome write failed")

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Backend hands out a connection's handle on a board's replicated map.
type Backend interface {
	Join(ctx context.Context, boardID string) (replica.Map, error)
}

// MemoryBackend keeps one in-process room per board. Fine for a single
// server instance.
type MemoryBackend struct {
	mu    sync.Mutex
	rooms map[string]*replica.Room
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rooms: make(map[string]*replica.Room)}
}

func (b *MemoryBackend) Join(_ context.Context, boardID string) (replica.Map, error) {
	b.mu.Lock()
	room, ok := b.rooms[boardID]
	if !ok {
		room = replica.NewRoom()
		b.rooms[boardID] = room
	}
	b.mu.Unlock()
	return room.Join(), nil
}

// RedisBackend shares board state between server instances through redis.
type RedisBackend struct {
	Client  redis.UniversalClient
	Options replica.RedisOptions
}

func (b RedisBackend) Join(ctx context.Context, boardID string) (replica.Map, error) {
	return replica.JoinRedis(ctx, b.Client, boardID, b.Options)
}

type Connection struct {
	BoardID string
	UserID  string
	Writer  Writer

	m     replica.Map
	unsub func()
	once  sync.Once

	// held while writing so nothing is forwarded ahead of the welcome
	sendMu sync.Mutex
}

// ClientID is the id other clients see this connection's entry under.
func (c *Connection) ClientID() string { return c.m.LocalClientID() }

// Set writes one field of the connection's own entry.
func (c *Connection) Set(key string, value json.RawMessage) error {
	return c.m.SetLocalField(key, value)
}

type Hub struct {
	backend Backend
	logger  *slog.Logger

	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New(backend Backend, logger *slog.Logger) *Hub {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{backend: backend, logger: logger, connections: make(map[string]map[*Connection]struct{})}
}

// Register joins the board on behalf of w, sends the welcome snapshot and
// starts forwarding other clients' changes.
func (h *Hub) Register(ctx context.Context, boardID, userID string, w Writer) (*Connection, error) {
	m, err := h.backend.Join(ctx, boardID)
	if err != nil {
		return nil, err
	}
	conn := &Connection{BoardID: boardID, UserID: userID, Writer: w, m: m}
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	unsub := m.Subscribe(func(ch replica.Change) { h.forward(conn, ch) })

	h.mu.Lock()
	conn.unsub = unsub
	if h.connections[boardID] == nil {
		h.connections[boardID] = make(map[*Connection]struct{})
	}
	h.connections[boardID][conn] = struct{}{}
	h.mu.Unlock()

	welcome := model.AwarenessMessage{
		Type:     model.AwarenessWelcome,
		ClientID: m.LocalClientID(),
		States:   make(map[string]map[string]json.RawMessage),
	}
	for id, st := range m.States() {
		welcome.States[id] = st
	}
	if !h.send(conn, welcome) {
		return nil, errWriteFailed
	}
	h.logger.Debug("hub: client joined", "board", boardID, "user", userID, "client", conn.ClientID())
	return conn, nil
}

func (h *Hub) forward(conn *Connection, ch replica.Change) {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()

	local := conn.m.LocalClientID()
	var states map[string]replica.State
	for _, id := range append(append([]string(nil), ch.Added...), ch.Updated...) {
		if id == local {
			continue
		}
		if states == nil {
			states = conn.m.States()
		}
		st, ok := states[id]
		if !ok {
			continue
		}
		if !h.send(conn, model.AwarenessMessage{Type: model.AwarenessState, ClientID: id, State: st}) {
			return
		}
	}
	for _, id := range ch.Removed {
		if id == local {
			continue
		}
		if !h.send(conn, model.AwarenessMessage{Type: model.AwarenessRemove, ClientID: id}) {
			return
		}
	}
}

// send reports false and drops the connection when the write fails.
func (h *Hub) send(conn *Connection, msg model.AwarenessMessage) bool {
	out, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("hub: encode failed", "type", msg.Type, "error", err)
		return true
	}
	if err := conn.Writer.Write(out); err != nil {
		h.logger.Debug("hub: write failed, dropping client", "board", conn.BoardID, "error", err)
		_ = conn.Writer.Close()
		// Unregister leaves the map, which notifies peers; do it off the
		// delivering goroutine.
		go h.Unregister(conn)
		return false
	}
	return true
}

// Unregister removes the connection's entry from the board. Safe to call more
// than once.
func (h *Hub) Unregister(conn *Connection) {
	conn.once.Do(func() {
		h.mu.Lock()
		set := h.connections[conn.BoardID]
		delete(set, conn)
		if len(set) == 0 {
			delete(h.connections, conn.BoardID)
		}
		unsub := conn.unsub
		h.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		if err := conn.m.Close(); err != nil {
			h.logger.Warn("hub: leave failed", "board", conn.BoardID, "error", err)
		}
	})
}

// Count returns the number of connections to boardID on this instance.
func (h *Hub) Count(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[boardID])
}
