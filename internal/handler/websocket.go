package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"boardsync/internal/auth"
	"boardsync/internal/hub"
	"boardsync/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 64 * 1024
)

// AwarenessHandler upgrades /ws?token=..&board=.. into an awareness relay
// connection.
type AwarenessHandler struct {
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	Logger      *slog.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (h *AwarenessHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *AwarenessHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		tokenString, _ = auth.BearerToken(c.GetHeader("Authorization"))
	}
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(tokenString, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	boardID := c.Query("board")
	if boardID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing board"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	writer := &wsWriter{conn: ws}
	logger := h.logger().With("board", boardID, "user", claims.UserID)

	conn, err := h.Hub.Register(c.Request.Context(), boardID, claims.UserID, writer)
	if err != nil {
		logger.Warn("awareness join failed", "error", err)
		_ = ws.Close()
		return
	}
	defer func() {
		h.Hub.Unregister(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxFrameSize)
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writer.ping(); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("awareness connection closed", "error", err)
			}
			return
		}

		var msg model.AwarenessMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case model.AwarenessPing:
			out, _ := json.Marshal(model.AwarenessMessage{Type: model.AwarenessPong})
			_ = writer.Write(out)
		case model.AwarenessSet:
			if msg.Key == "" || len(msg.Value) == 0 || !json.Valid(msg.Value) {
				continue
			}
			if err := conn.Set(msg.Key, msg.Value); err != nil {
				logger.Warn("awareness write dropped", "key", msg.Key, "error", err)
			}
		}
	}
}
