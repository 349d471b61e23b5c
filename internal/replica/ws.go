package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"boardsync/internal/model"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSMap is a replica backed by the server's awareness relay. The server
// assigns the client id and keys state by connection.
type WSMap struct {
	conn   *websocket.Conn
	id     string
	logger *slog.Logger
	done   chan struct{}

	sendMu sync.Mutex

	mu     sync.RWMutex
	states map[string]State
	subs   listeners
	closed bool
}

// DialWS connects to the relay at url (ws:// or wss://, including the board
// and token query parameters) and waits for the welcome snapshot.
func DialWS(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*WSMap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial awareness relay: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var welcome model.AwarenessMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != model.AwarenessWelcome || welcome.ClientID == "" {
		_ = conn.Close()
		return nil, errors.New("awareness relay: expected welcome")
	}
	_ = conn.SetReadDeadline(time.Time{})

	m := &WSMap{
		conn:   conn,
		id:     welcome.ClientID,
		logger: logger,
		done:   make(chan struct{}),
		states: make(map[string]State, len(welcome.States)+1),
	}
	for id, st := range welcome.States {
		m.states[id] = State(st)
	}
	if _, ok := m.states[m.id]; !ok {
		m.states[m.id] = State{}
	}

	go m.readLoop()
	return m, nil
}

func (m *WSMap) readLoop() {
	defer close(m.done)
	for {
		var msg model.AwarenessMessage
		if err := m.conn.ReadJSON(&msg); err != nil {
			m.mu.RLock()
			closed := m.closed
			m.mu.RUnlock()
			if !closed {
				m.logger.Warn("awareness: relay connection lost", "client", m.id, "error", err)
			}
			return
		}
		if msg.ClientID == m.id {
			continue
		}

		var ch Change
		m.mu.Lock()
		switch msg.Type {
		case model.AwarenessState:
			if _, ok := m.states[msg.ClientID]; ok {
				ch.Updated = []string{msg.ClientID}
			} else {
				ch.Added = []string{msg.ClientID}
			}
			m.states[msg.ClientID] = State(msg.State)
		case model.AwarenessRemove:
			if _, ok := m.states[msg.ClientID]; !ok {
				m.mu.Unlock()
				continue
			}
			delete(m.states, msg.ClientID)
			ch.Removed = []string{msg.ClientID}
		default:
			m.mu.Unlock()
			continue
		}
		fns := m.subs.snapshot()
		m.mu.Unlock()

		for _, fn := range fns {
			fn(ch)
		}
	}
}

func (m *WSMap) send(msg model.AwarenessMessage) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := m.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return m.conn.WriteJSON(msg)
}

func (m *WSMap) LocalClientID() string { return m.id }

func (m *WSMap) SetLocalField(key string, value json.RawMessage) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	st := m.states[m.id].Clone()
	if st == nil {
		st = State{}
	}
	st[key] = append(json.RawMessage(nil), value...)
	m.states[m.id] = st
	fns := m.subs.snapshot()
	m.mu.Unlock()

	if err := m.send(model.AwarenessMessage{Type: model.AwarenessSet, Key: key, Value: value}); err != nil {
		return fmt.Errorf("send %s: %w", key, err)
	}

	ch := Change{Updated: []string{m.id}, Local: true}
	for _, fn := range fns {
		fn(ch)
	}
	return nil
}

func (m *WSMap) LocalState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[m.id].Clone()
}

func (m *WSMap) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneStates(m.states)
}

func (m *WSMap) Subscribe(fn func(Change)) func() {
	m.mu.Lock()
	id := m.subs.add(fn)
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.subs.remove(id)
			m.mu.Unlock()
		})
	}
}

func (m *WSMap) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.subs = listeners{}
	m.mu.Unlock()

	m.sendMu.Lock()
	_ = m.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	m.sendMu.Unlock()
	err := m.conn.Close()
	<-m.done
	return err
}
