package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"boardsync/internal/awareness"
	"boardsync/internal/client"
	"boardsync/internal/coordinator"
	"boardsync/internal/element"
	"boardsync/internal/history"
	"boardsync/internal/model"
	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func TestWebSocketPingPong(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(0))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "board=b1&token="+testToken(t, "user-1")), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var welcome model.AwarenessMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if welcome.Type != model.AwarenessWelcome || welcome.ClientID == "" {
		t.Fatalf("expected welcome, got %+v", welcome)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var resp map[string]any
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	data, _ := json.Marshal(resp)
	if resp["type"] != "pong" {
		t.Fatalf("expected pong, got %s", string(data))
	}
}

func TestWebSocketRejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(0))
	defer srv.Close()

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "board=b1&token=nope"), nil); err == nil || resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 for bad token, got %v", err)
	}
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token="+testToken(t, "user-1")), nil); err == nil || resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400 for missing board, got %v", err)
	}
}

func joinHub(t *testing.T, baseURL, userID string) *awareness.Hub {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := client.New(baseURL, testToken(t, userID))
	m, err := c.JoinAwareness(ctx, "b1")
	if err != nil {
		t.Fatalf("JoinAwareness: %v", err)
	}
	h := awareness.New(m, awareness.NewIdentity(userID, "name-"+userID), awareness.Options{})
	t.Cleanup(h.Destroy)
	return h
}

func TestAwarenessCursorOverRelay(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(0))
	defer srv.Close()

	x := joinHub(t, srv.URL, "user-x")
	y := joinHub(t, srv.URL, "user-y")

	cursors := make(chan map[string]awareness.Cursor, 16)
	y.OnCursorsChange(func(c map[string]awareness.Cursor) {
		select {
		case cursors <- c:
		default:
		}
	})

	x.UpdateCursor(awareness.CursorPatch{X: awareness.Ptr(100.0), Y: awareness.Ptr(200.0), IsActive: awareness.Ptr(true)})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-cursors:
			c, ok := got[x.LocalClientID()]
			if !ok {
				continue
			}
			if c.OwnerID != "user-x" || c.X != 100 || c.Y != 200 || !c.IsActive {
				t.Fatalf("unexpected cursor %+v", c)
			}
			if _, self := got[y.LocalClientID()]; self {
				t.Fatalf("own cursor must not be listed")
			}
			return
		case <-deadline:
			t.Fatalf("cursor never reached y; others=%+v", y.OtherCursors())
		}
	}
}

func TestAwarenessLeaveRemovesPeer(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(0))
	defer srv.Close()

	x := joinHub(t, srv.URL, "user-x")
	y := joinHub(t, srv.URL, "user-y")

	waitUntil(t, "y sees x", func() bool { _, ok := y.OtherPresence()[x.LocalClientID()]; return ok })
	x.Destroy()
	waitUntil(t, "y drops x", func() bool { _, ok := y.OtherPresence()[x.LocalClientID()]; return !ok })
}

func waitUntil(t *testing.T, what string, cond func() bool) {
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

func TestCoordinatorOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(newTestRouter(0))
	defer srv.Close()

	c := client.New(srv.URL, testToken(t, "user-1"))
	for _, rec := range []element.Record{
		{ID: "n1", Data: json.RawMessage(`{"type":"sticky-note"}`)},
		{ID: "t1", Data: json.RawMessage(`"{\"type\":\"text\"}"`)},
	} {
		if _, err := c.Append(ctx, "b1", history.ActionCreate, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	coord := coordinator.New("b1", c, coordinator.WithNotifier(c))
	if err := coord.Load(ctx, c); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v := coord.View(); len(v.Collections.TextElements) != 1 || len(v.Collections.StickyNotes) != 1 {
		t.Fatalf("unexpected loaded view: %+v", v.Collections)
	}

	coord.EditText("t1")
	if err := coord.HandleUndo(ctx); err != nil {
		t.Fatalf("HandleUndo: %v", err)
	}
	v := coord.View()
	if len(v.Collections.TextElements) != 0 || v.Position != 1 || v.Selection.EditingText != "" {
		t.Fatalf("unexpected view after undo: %+v", v)
	}

	if out, err := coord.Undo(ctx); err != nil || out != coordinator.Applied {
		t.Fatalf("second undo: %v %v", out, err)
	}
	if out, err := coord.Undo(ctx); err != nil || out != coordinator.NotApplicable {
		t.Fatalf("undo at zero: %v %v", out, err)
	}
	if err := coord.HandleRedo(ctx); err != nil {
		t.Fatalf("HandleRedo: %v", err)
	}
	if v := coord.View(); v.Position != 1 || len(v.Collections.StickyNotes) != 1 {
		t.Fatalf("unexpected view after redo: %+v", v)
	}
}
