package replica

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Room is an in-process replicated map shared by every MemoryMap joined to
// it. Delivery is synchronous.
type Room struct {
	mu      sync.RWMutex
	states  map[string]State
	members map[string]*MemoryMap
}

func NewRoom() *Room {
	return &Room{states: make(map[string]State), members: make(map[string]*MemoryMap)}
}

func (r *Room) Join() *MemoryMap {
	return r.JoinAs(uuid.NewString())
}

func (r *Room) JoinAs(clientID string) *MemoryMap {
	m := &MemoryMap{room: r, id: clientID}
	r.mu.Lock()
	r.members[clientID] = m
	if _, ok := r.states[clientID]; !ok {
		r.states[clientID] = State{}
	}
	r.mu.Unlock()
	r.broadcast(Change{Added: []string{clientID}}, clientID)
	return m
}

func (r *Room) set(clientID, key string, value json.RawMessage) error {
	r.mu.Lock()
	if _, ok := r.members[clientID]; !ok {
		r.mu.Unlock()
		return ErrClosed
	}
	st := r.states[clientID]
	if st == nil {
		st = State{}
		r.states[clientID] = st
	}
	st[key] = append(json.RawMessage(nil), value...)
	r.mu.Unlock()

	r.broadcast(Change{Updated: []string{clientID}}, clientID)
	return nil
}

func (r *Room) leave(clientID string) bool {
	r.mu.Lock()
	_, ok := r.members[clientID]
	delete(r.members, clientID)
	delete(r.states, clientID)
	r.mu.Unlock()
	if ok {
		r.broadcast(Change{Removed: []string{clientID}}, clientID)
	}
	return ok
}

func (r *Room) broadcast(ch Change, origin string) {
	r.mu.RLock()
	members := make([]*MemoryMap, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.mu.RUnlock()

	for _, m := range members {
		c := ch
		c.Local = m.id == origin
		m.notify(c)
	}
}

// MemoryMap is one participant's handle on a Room.
type MemoryMap struct {
	room *Room
	id   string

	mu     sync.Mutex
	subs   listeners
	closed bool
}

func (m *MemoryMap) LocalClientID() string { return m.id }

func (m *MemoryMap) SetLocalField(key string, value json.RawMessage) error {
	return m.room.set(m.id, key, value)
}

func (m *MemoryMap) LocalState() State {
	m.room.mu.RLock()
	defer m.room.mu.RUnlock()
	return m.room.states[m.id].Clone()
}

func (m *MemoryMap) States() map[string]State {
	m.room.mu.RLock()
	defer m.room.mu.RUnlock()
	return cloneStates(m.room.states)
}

func (m *MemoryMap) Subscribe(fn func(Change)) func() {
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

func (m *MemoryMap) notify(ch Change) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	fns := m.subs.snapshot()
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (m *MemoryMap) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.subs = listeners{}
	m.mu.Unlock()
	m.room.leave(m.id)
	return nil
}
