package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	// KeyPrefix namespaces the per-board hash and channel. Default "awareness".
	KeyPrefix string
	// TTL is refreshed on every write so entries of crashed clients expire.
	TTL     time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "awareness"
	}
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type redisEvent struct {
	ClientID string `json:"clientId"`
	State    State  `json:"state,omitempty"`
	Removed  bool   `json:"removed,omitempty"`
}

// RedisMap stores each client's entry as a field of the hash
// "<prefix>:<board>" and announces changes on "<prefix>:<board>:events".
type RedisMap struct {
	rdb     redis.UniversalClient
	id      string
	key     string
	channel string
	opts    RedisOptions
	ps      *redis.PubSub
	done    chan struct{}

	// pubMu orders copy-and-publish so the stored entry is never an older
	// copy than the last local write.
	pubMu sync.Mutex

	mu     sync.RWMutex
	states map[string]State
	subs   listeners
	closed bool
}

// JoinRedis subscribes to the board channel, loads the current snapshot and
// returns a handle with a fresh client id.
func JoinRedis(ctx context.Context, rdb redis.UniversalClient, boardID string, opts RedisOptions) (*RedisMap, error) {
	opts = opts.withDefaults()
	m := &RedisMap{
		rdb:     rdb,
		id:      uuid.NewString(),
		key:     opts.KeyPrefix + ":" + boardID,
		channel: opts.KeyPrefix + ":" + boardID + ":events",
		opts:    opts,
		done:    make(chan struct{}),
		states:  make(map[string]State),
	}

	m.ps = rdb.Subscribe(ctx, m.channel)
	if _, err := m.ps.Receive(ctx); err != nil {
		_ = m.ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", m.channel, err)
	}

	raw, err := rdb.HGetAll(ctx, m.key).Result()
	if err != nil {
		_ = m.ps.Close()
		return nil, fmt.Errorf("load %s: %w", m.key, err)
	}
	for clientID, data := range raw {
		var st State
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			opts.Logger.Warn("awareness: skipping undecodable entry", "key", m.key, "client", clientID, "error", err)
			continue
		}
		m.states[clientID] = st
	}
	m.states[m.id] = State{}

	if err := m.publish(ctx, State{}); err != nil {
		_ = m.ps.Close()
		return nil, err
	}

	go m.listen()
	return m, nil
}

func (m *RedisMap) listen() {
	defer close(m.done)
	for msg := range m.ps.Channel() {
		var ev redisEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			m.opts.Logger.Warn("awareness: bad event", "channel", m.channel, "error", err)
			continue
		}
		if ev.ClientID == "" || ev.ClientID == m.id {
			continue
		}

		var ch Change
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		_, existed := m.states[ev.ClientID]
		switch {
		case ev.Removed:
			if !existed {
				m.mu.Unlock()
				continue
			}
			delete(m.states, ev.ClientID)
			ch.Removed = []string{ev.ClientID}
		case existed:
			m.states[ev.ClientID] = ev.State
			ch.Updated = []string{ev.ClientID}
		default:
			m.states[ev.ClientID] = ev.State
			ch.Added = []string{ev.ClientID}
		}
		fns := m.subs.snapshot()
		m.mu.Unlock()

		for _, fn := range fns {
			fn(ch)
		}
	}
}

func (m *RedisMap) publish(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ev, err := json.Marshal(redisEvent{ClientID: m.id, State: st})
	if err != nil {
		return err
	}
	_, err = m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, m.key, m.id, data)
		pipe.Expire(ctx, m.key, m.opts.TTL)
		pipe.Publish(ctx, m.channel, ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.key, err)
	}
	return nil
}

func (m *RedisMap) LocalClientID() string { return m.id }

func (m *RedisMap) SetLocalField(key string, value json.RawMessage) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

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

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	if err := m.publish(ctx, st); err != nil {
		return err
	}

	ch := Change{Updated: []string{m.id}, Local: true}
	for _, fn := range fns {
		fn(ch)
	}
	return nil
}

func (m *RedisMap) LocalState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[m.id].Clone()
}

func (m *RedisMap) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneStates(m.states)
}

func (m *RedisMap) Subscribe(fn func(Change)) func() {
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

func (m *RedisMap) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.subs = listeners{}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	ev, _ := json.Marshal(redisEvent{ClientID: m.id, Removed: true})
	m.pubMu.Lock()
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, m.key, m.id)
		pipe.Publish(ctx, m.channel, ev)
		return nil
	})
	m.pubMu.Unlock()
	if cerr := m.ps.Close(); err == nil {
		err = cerr
	}
	<-m.done
	if err != nil {
		return fmt.Errorf("leave %s: %w", m.key, err)
	}
	return nil
}
