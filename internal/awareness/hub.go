// Package awareness publishes a session's ephemeral presence (cursor,
// selection, editing lock, status) into a replicated map and answers
// queries about everyone else on the board.
package awareness

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boardsync/internal/replica"
	"boardsync/internal/throttle"
)

const (
	DefaultStaleAfter = 30 * time.Second
	DefaultAwayAfter  = 5 * time.Minute
)

type Options struct {
	ThrottleInterval time.Duration
	// StaleAfter hides cursors whose last activity is older than this.
	StaleAfter time.Duration
	// AwayAfter flips presence to away after this long without an active
	// cursor. Zero disables it.
	AwayAfter time.Duration
	Clock     throttle.Clock
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ThrottleInterval <= 0 {
		o.ThrottleInterval = throttle.DefaultInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Clock == nil {
		o.Clock = throttle.System
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Hub is one session's view of a board's awareness state. It writes only
// its own entry of the replicated map. A nil map turns writes into logged
// no-ops and reads into empty results.
type Hub struct {
	m        replica.Map
	identity Identity
	opts     Options
	logger   *slog.Logger
	cursors  *throttle.Throttler[Cursor]
	joinedAt time.Time

	destroyed  atomic.Bool
	sentActive atomic.Bool

	mu         sync.Mutex
	cursor     Cursor
	presence   Presence
	lastActive time.Time
	autoAway   bool
	nextSub    int
	unsubs     map[int]func()

	hbInterval time.Duration
	hbTimer    throttle.Timer
	hbRunning  sync.WaitGroup
}

func New(m replica.Map, identity Identity, opts Options) *Hub {
	opts = opts.withDefaults()
	now := opts.Clock.Now()
	h := &Hub{
		m:        m,
		identity: identity,
		opts:     opts,
		logger:   opts.Logger.With("user", identity.UserID),
		joinedAt: now,
		cursor: Cursor{
			OwnerID:   identity.UserID,
			OwnerName: identity.Name,
			Color:     identity.Color,
		},
		presence: Presence{
			OwnerID:           identity.UserID,
			Name:              identity.Name,
			Status:            StatusOnline,
			LastSeen:          now.UnixMilli(),
			ConnectionQuality: QualityGood,
		},
		lastActive: now,
		unsubs:     make(map[int]func()),
	}
	h.cursors = throttle.New(opts.ThrottleInterval, h.publishCursor, opts.Clock)
	// Losing activity must reach peers at once, otherwise a stale active
	// cursor lingers for up to one interval.
	h.cursors.SetBypass(func(c Cursor) bool { return !c.IsActive && h.sentActive.Load() })

	if m == nil {
		h.logger.Warn("awareness: replicated map unavailable, collaborators will not be visible")
		return h
	}
	h.write(FieldUser, identity)
	h.write(FieldPresence, h.presence)
	return h
}

func (h *Hub) Identity() Identity { return h.identity }

func (h *Hub) LocalClientID() string {
	if h.m == nil {
		return ""
	}
	return h.m.LocalClientID()
}

func (h *Hub) write(key string, v any) {
	if h.m == nil {
		h.logger.Debug("awareness: write skipped, no replicated map", "key", key)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("awareness: encode failed", "key", key, "error", err)
		return
	}
	if err := h.m.SetLocalField(key, data); err != nil {
		h.logger.Warn("awareness: write dropped", "key", key, "error", err)
	}
}

func (h *Hub) publishCursor(c Cursor) {
	h.write(FieldCursor, c)
	h.sentActive.Store(c.IsActive)
}

// UpdateCursor merges p over the last cursor, stamps the activity time and
// hands the result to the throttler.
func (h *Hub) UpdateCursor(p CursorPatch) {
	if h.destroyed.Load() {
		return
	}
	now := h.opts.Clock.Now()

	h.mu.Lock()
	p.apply(&h.cursor)
	h.cursor.LastActivity = now.UnixMilli()
	c := h.cursor
	c.Pressure = clonePressure(h.cursor.Pressure)
	resume := false
	if c.IsActive {
		h.lastActive = now
		if h.autoAway {
			h.autoAway = false
			resume = true
		}
	}
	h.mu.Unlock()

	h.cursors.Push(c)
	if resume {
		h.UpdatePresence(PresencePatch{Status: Ptr(StatusOnline)})
	}
}

// UpdatePresence merges p over the last published presence and always
// refreshes lastSeen.
func (h *Hub) UpdatePresence(p PresencePatch) {
	if h.destroyed.Load() {
		return
	}
	h.mu.Lock()
	p.apply(&h.presence)
	h.presence.LastSeen = h.opts.Clock.Now().UnixMilli()
	pr := h.presence
	h.mu.Unlock()

	h.write(FieldPresence, pr)
}

// UpdateSelection publishes sel; nil clears the selection.
func (h *Hub) UpdateSelection(sel *Selection) {
	if h.destroyed.Load() {
		return
	}
	h.write(FieldSelection, sel)
}

func (h *Hub) SetEditingLock(lock EditingLock) {
	if h.destroyed.Load() {
		return
	}
	if lock.StartTime == 0 {
		lock.StartTime = h.opts.Clock.Now().UnixMilli()
	}
	h.write(FieldEditing, lock)
}

func (h *Hub) ClearEditingLock() {
	if h.destroyed.Load() {
		return
	}
	h.write(FieldEditing, nil)
}

// FlushCursor publishes a throttled cursor immediately.
func (h *Hub) FlushCursor() { h.cursors.Flush() }

func (h *Hub) states() (map[string]replica.State, string) {
	if h.m == nil {
		return nil, ""
	}
	return h.m.States(), h.m.LocalClientID()
}

// OtherCursors returns active, non-stale cursors of every other client,
// keyed by client id.
func (h *Hub) OtherCursors() map[string]Cursor {
	out := make(map[string]Cursor)
	states, local := h.states()
	cutoff := h.opts.Clock.Now().Add(-h.opts.StaleAfter).UnixMilli()
	for id, st := range states {
		if id == local {
			continue
		}
		var c Cursor
		if !st.Decode(FieldCursor, &c) || !c.IsActive {
			continue
		}
		if c.LastActivity < cutoff {
			continue
		}
		out[id] = c
	}
	return out
}

// OtherPresence returns every other client's presence. No staleness filter:
// an away user legitimately stays listed.
func (h *Hub) OtherPresence() map[string]Presence {
	out := make(map[string]Presence)
	states, local := h.states()
	for id, st := range states {
		if id == local {
			continue
		}
		var p Presence
		if st.Decode(FieldPresence, &p) {
			out[id] = p
		}
	}
	return out
}

// Peers decodes every other client's full entry.
func (h *Hub) Peers() map[string]Peer {
	out := make(map[string]Peer)
	states, local := h.states()
	for id, st := range states {
		if id == local {
			continue
		}
		out[id] = decodePeer(id, st)
	}
	return out
}

// LockHolder reports which other client holds an editing lock on elementID.
func (h *Hub) LockHolder(elementID string) (Peer, bool) {
	for _, p := range h.Peers() {
		if p.Editing != nil && p.Editing.ElementID == elementID {
			return p, true
		}
	}
	return Peer{}, false
}

func decodePeer(id string, st replica.State) Peer {
	p := Peer{ClientID: id}
	st.Decode(FieldUser, &p.Identity)
	var c Cursor
	if st.Decode(FieldCursor, &c) {
		p.Cursor = &c
	}
	var pr Presence
	if st.Decode(FieldPresence, &pr) {
		p.Presence = &pr
	}
	var sel Selection
	if st.Decode(FieldSelection, &sel) {
		p.Selection = &sel
	}
	var lock EditingLock
	if st.Decode(FieldEditing, &lock) {
		p.Editing = &lock
	}
	return p
}

func (h *Hub) ConnectionStats() ConnectionStats {
	states, local := h.states()
	stats := ConnectionStats{LocalClientID: local, TotalClients: len(states)}
	stats.ConnectedUsers = len(states)
	if _, ok := states[local]; ok {
		stats.ConnectedUsers--
	}
	return stats
}

// OnAwarenessChange calls cb for every change event of the replicated map.
func (h *Hub) OnAwarenessChange(cb func(replica.Change)) (unsubscribe func()) {
	if h.m == nil || h.destroyed.Load() {
		return func() {}
	}
	unsub := h.m.Subscribe(func(c replica.Change) {
		if h.destroyed.Load() {
			return
		}
		cb(c)
	})

	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.unsubs[id] = unsub
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.unsubs, id)
		h.mu.Unlock()
		unsub()
	}
}

// OnCursorsChange is OnAwarenessChange filtered to changes made by other
// clients, delivering the current OtherCursors.
func (h *Hub) OnCursorsChange(cb func(map[string]Cursor)) (unsubscribe func()) {
	local := h.LocalClientID()
	return h.OnAwarenessChange(func(c replica.Change) {
		if c.OnlyClient(local) {
			return
		}
		cb(h.OtherCursors())
	})
}

func (h *Hub) OnPresenceChange(cb func(map[string]Presence)) (unsubscribe func()) {
	local := h.LocalClientID()
	return h.OnAwarenessChange(func(c replica.Change) {
		if c.OnlyClient(local) {
			return
		}
		cb(h.OtherPresence())
	})
}

// Heartbeat refreshes lastSeen and the session duration, and marks the
// session away after AwayAfter without cursor activity.
func (h *Hub) Heartbeat() {
	if h.destroyed.Load() {
		return
	}
	now := h.opts.Clock.Now()
	patch := PresencePatch{SessionDurationSeconds: Ptr(int(now.Sub(h.joinedAt) / time.Second))}

	h.mu.Lock()
	if h.opts.AwayAfter > 0 && h.presence.Status == StatusOnline && now.Sub(h.lastActive) >= h.opts.AwayAfter {
		h.autoAway = true
		patch.Status = Ptr(StatusAway)
	}
	h.mu.Unlock()

	h.UpdatePresence(patch)
}

// StartHeartbeat runs Heartbeat every interval on the hub's clock until
// Destroy.
func (h *Hub) StartHeartbeat(interval time.Duration) {
	if interval <= 0 || h.destroyed.Load() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hbInterval > 0 {
		return
	}
	h.hbInterval = interval
	h.hbTimer = h.opts.Clock.AfterFunc(interval, h.beat)
}

func (h *Hub) beat() {
	h.mu.Lock()
	if h.destroyed.Load() || h.hbInterval == 0 {
		h.mu.Unlock()
		return
	}
	h.hbRunning.Add(1)
	h.mu.Unlock()
	defer h.hbRunning.Done()

	h.Heartbeat()

	h.mu.Lock()
	if !h.destroyed.Load() && h.hbInterval > 0 {
		h.hbTimer = h.opts.Clock.AfterFunc(h.hbInterval, h.beat)
	}
	h.mu.Unlock()
}

// Destroy cancels the pending cursor emission, stops the heartbeat, drops
// every listener and releases the replicated map. Safe to call twice.
func (h *Hub) Destroy() {
	if h.destroyed.Swap(true) {
		return
	}
	h.cursors.Stop()

	h.mu.Lock()
	if h.hbTimer != nil {
		h.hbTimer.Stop()
		h.hbTimer = nil
	}
	h.hbInterval = 0
	unsubs := h.unsubs
	h.unsubs = make(map[int]func())
	h.mu.Unlock()

	h.hbRunning.Wait()
	for _, unsub := range unsubs {
		unsub()
	}
	if h.m != nil {
		if err := h.m.Close(); err != nil {
			h.logger.Warn("awareness: release failed", "error", err)
		}
	}
}

func clonePressure(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
