package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"boardsync/internal/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testWriter struct {
	mu     sync.Mutex
	msgs   []model.AwarenessMessage
	fail   bool
	closed bool
}

func (w *testWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errTest
	}
	var msg model.AwarenessMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	w.msgs = append(w.msgs, msg)
	return nil
}

func (w *testWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *testWriter) messages() []model.AwarenessMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.AwarenessMessage(nil), w.msgs...)
}

func (w *testWriter) find(typ, clientID string) (model.AwarenessMessage, bool) {
	for _, m := range w.messages() {
		if m.Type == typ && m.ClientID == clientID {
			return m, true
		}
	}
	return model.AwarenessMessage{}, false
}

var errTest = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "test" }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_WelcomeStateRemove(t *testing.T) {
	ctx := context.Background()
	h := New(nil, nil)

	w1 := &testWriter{}
	c1, err := h.Register(ctx, "b1", "u1", w1)
	if err != nil {
		t.Fatalf("Register c1: %v", err)
	}
	if err := c1.Set("cursor", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	w2 := &testWriter{}
	c2, err := h.Register(ctx, "b1", "u2", w2)
	if err != nil {
		t.Fatalf("Register c2: %v", err)
	}
	welcome, ok := w2.find(model.AwarenessWelcome, c2.ClientID())
	if !ok {
		t.Fatalf("expected welcome, got %+v", w2.messages())
	}
	if string(welcome.States[c1.ClientID()]["cursor"]) != `{"x":1}` {
		t.Fatalf("welcome snapshot missing c1 cursor: %+v", welcome.States)
	}
	if _, ok := w1.find(model.AwarenessState, c2.ClientID()); !ok {
		t.Fatalf("expected c1 to learn about c2 joining")
	}

	if err := c2.Set("presence", json.RawMessage(`{"status":"online"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	msgs := w1.messages()
	last := msgs[len(msgs)-1]
	if last.Type != model.AwarenessState || last.ClientID != c2.ClientID() || string(last.State["presence"]) != `{"status":"online"}` {
		t.Fatalf("unexpected forwarded state: %+v", last)
	}
	for _, m := range w2.messages() {
		if m.Type == model.AwarenessState && m.ClientID == c2.ClientID() {
			t.Fatalf("own changes must not be echoed")
		}
	}

	h.Unregister(c2)
	h.Unregister(c2)
	if _, ok := w1.find(model.AwarenessRemove, c2.ClientID()); !ok {
		t.Fatalf("expected remove for c2")
	}
	if h.Count("b1") != 1 {
		t.Fatalf("expected 1 connection, got %d", h.Count("b1"))
	}
}

func TestHub_BoardsAreIsolated(t *testing.T) {
	ctx := context.Background()
	h := New(NewMemoryBackend(), nil)

	w1 := &testWriter{}
	if _, err := h.Register(ctx, "b1", "u1", w1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c2, err := h.Register(ctx, "b2", "u2", &testWriter{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c2.Set("cursor", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(w1.messages()) != 1 {
		t.Fatalf("expected only the welcome on b1, got %+v", w1.messages())
	}
}

func TestHub_RemovesFailedConnections(t *testing.T) {
	ctx := context.Background()
	h := New(nil, nil)

	w1 := &testWriter{}
	c1, err := h.Register(ctx, "b1", "u1", w1)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	w2 := &testWriter{}
	c2, err := h.Register(ctx, "b1", "u2", w2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	w1.mu.Lock()
	w1.fail = true
	w1.mu.Unlock()

	if err := c2.Set("cursor", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, "failed connection removal", func() bool { return h.Count("b1") == 1 })
	waitFor(t, "remove broadcast", func() bool {
		_, ok := w2.find(model.AwarenessRemove, c1.ClientID())
		return ok
	})
	w1.mu.Lock()
	closed := w1.closed
	w1.mu.Unlock()
	if !closed {
		t.Fatalf("expected failed writer to be closed")
	}
}

func TestHub_RedisBackendAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a := New(RedisBackend{Client: rdb}, nil)
	b := New(RedisBackend{Client: rdb}, nil)

	wa := &testWriter{}
	ca, err := a.Register(ctx, "b1", "u1", wa)
	if err != nil {
		t.Fatalf("Register a: %v", err)
	}
	defer a.Unregister(ca)

	wb := &testWriter{}
	cb, err := b.Register(ctx, "b1", "u2", wb)
	if err != nil {
		t.Fatalf("Register b: %v", err)
	}

	if err := ca.Set("cursor", json.RawMessage(`{"x":5}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, "cross-instance state", func() bool {
		for _, m := range wb.messages() {
			if m.Type == model.AwarenessState && m.ClientID == ca.ClientID() && string(m.State["cursor"]) == `{"x":5}` {
				return true
			}
		}
		return false
	})

	b.Unregister(cb)
	waitFor(t, "cross-instance remove", func() bool {
		_, ok := wa.find(model.AwarenessRemove, cb.ClientID())
		return ok
	})
}
