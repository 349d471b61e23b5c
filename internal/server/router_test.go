package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"boardsync/internal/auth"
	"boardsync/internal/history"
	"boardsync/internal/model"
	"github.com/gin-gonic/gin"
)

var testTokenCfg = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

func newTestRouter(undoLimit int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(Deps{
		History:       history.NewService(history.NewMemoryStore()),
		TokenConfig:   testTokenCfg,
		UndoRateLimit: undoLimit,
	})
}

func testToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.CreateToken(userID, "", testTokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func doJSON(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeHistory(t *testing.T, w *httptest.ResponseRecorder) model.HistoryResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp model.HistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

func TestBoardEndpoints_UndoRedo(t *testing.T) {
	r := newTestRouter(0)
	tok := testToken(t, "user-1")

	for _, id := range []string{"a", "b", "c"} {
		w := doJSON(r, http.MethodPost, "/v1/boards/b1/actions", tok, map[string]any{
			"type": "create",
			"data": map[string]any{"id": id, "data": map[string]any{"type": "shape"}},
		})
		decodeHistory(t, w)
	}

	// string-encoded payloads are accepted as well
	w := doJSON(r, http.MethodPost, "/v1/boards/b1/actions", tok, map[string]any{
		"type": "delete",
		"data": `{"id":"c","data":{"type":"shape"}}`,
	})
	resp := decodeHistory(t, w)
	if len(resp.Elements) != 2 || *resp.HistoryIndex != 4 {
		t.Fatalf("unexpected state after delete: %+v", resp)
	}

	resp = decodeHistory(t, doJSON(r, http.MethodPost, "/v1/boards/b1/undo", tok, nil))
	if !*resp.Applied || *resp.HistoryIndex != 3 || len(resp.Elements) != 3 {
		t.Fatalf("unexpected undo: %+v", resp)
	}
	resp = decodeHistory(t, doJSON(r, http.MethodPost, "/v1/boards/b1/redo", tok, nil))
	if !*resp.Applied || *resp.HistoryIndex != 4 || len(resp.Elements) != 2 {
		t.Fatalf("unexpected redo: %+v", resp)
	}
	resp = decodeHistory(t, doJSON(r, http.MethodPost, "/v1/boards/b1/redo", tok, nil))
	if *resp.Applied {
		t.Fatalf("expected redo at end to be a no-op")
	}

	resp = decodeHistory(t, doJSON(r, http.MethodGet, "/v1/boards/b1", tok, nil))
	if len(resp.History) != 4 || resp.History[0].AuthorID != "user-1" {
		t.Fatalf("unexpected history: %+v", resp.History)
	}
}

func TestBoardEndpoints_EmptyBoard(t *testing.T) {
	r := newTestRouter(0)
	tok := testToken(t, "user-1")

	w := doJSON(r, http.MethodGet, "/v1/boards/fresh", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["elements"]) != "[]" || string(raw["history"]) != "[]" || string(raw["historyIndex"]) != "0" {
		t.Fatalf("expected empty arrays and index 0, got %s", w.Body.String())
	}
}

func TestBoardEndpoints_Errors(t *testing.T) {
	r := newTestRouter(0)
	tok := testToken(t, "user-1")

	if w := doJSON(r, http.MethodGet, "/v1/boards/b1", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, "/v1/boards/b1/actions", tok, map[string]any{"type": "create"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing data, got %d", w.Code)
	}
	w := doJSON(r, http.MethodPost, "/v1/boards/b1/actions", tok, map[string]any{
		"type": "update",
		"data": map[string]any{"before": map[string]any{"id": "a"}, "after": map[string]any{"id": "b"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched update, got %d", w.Code)
	}
}

func TestBoardEndpoints_Touch(t *testing.T) {
	r := newTestRouter(0)
	tok := testToken(t, "user-1")

	w := doJSON(r, http.MethodPost, "/v1/boards/b1/touch", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		TouchedAt int64 `json:"touchedAt"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.TouchedAt == 0 {
		t.Fatalf("expected touchedAt, got %s", w.Body.String())
	}
}

func TestBoardEndpoints_UndoRateLimit(t *testing.T) {
	r := newTestRouter(2)
	tok := testToken(t, "user-1")

	for i := 0; i < 2; i++ {
		if w := doJSON(r, http.MethodPost, "/v1/boards/b1/undo", tok, nil); w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}
	if w := doJSON(r, http.MethodPost, "/v1/boards/b1/redo", tok, nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodGet, "/v1/boards/b1", tok, nil); w.Code != http.StatusOK {
		t.Fatalf("queries must not be limited, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, "/v1/boards/b1/undo", testToken(t, "user-2"), nil); w.Code != http.StatusOK {
		t.Fatalf("other users must not be limited, got %d", w.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	r := newTestRouter(0)
	w := doJSON(r, http.MethodGet, "/v1/version?protocol=0", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["update_required"] != true {
		t.Fatalf("expected update_required for old protocol, got %v", body)
	}
}
