package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"boardsync/internal/history"
	"boardsync/internal/middleware"
	"boardsync/internal/model"
	"github.com/gin-gonic/gin"
)

// BoardHandler serves the board history service: query, append, undo, redo
// and touch.
type BoardHandler struct {
	History *history.Service
	Logger  *slog.Logger
}

type appendActionBody struct {
	Type string `json:"type" binding:"required"`
	// Data is either the serialized payload string or the payload object.
	Data      json.RawMessage `json:"data" binding:"required"`
	Timestamp int64           `json:"timestamp"`
}

func (h *BoardHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *BoardHandler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, history.ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, history.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Board not found"})
	default:
		h.logger().Error("board request failed", "op", op, "board", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func (h *BoardHandler) Get(c *gin.Context) {
	res, err := h.History.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "state", err)
		return
	}
	c.JSON(http.StatusOK, model.NewHistoryResponse(res))
}

func (h *BoardHandler) Append(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body appendActionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	data, err := payloadString(body.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid action data"})
		return
	}

	entry := history.ActionEntry{Type: body.Type, Data: data, Timestamp: body.Timestamp, AuthorID: userID}
	res, err := h.History.Append(c.Request.Context(), c.Param("id"), entry)
	if err != nil {
		h.fail(c, "append", err)
		return
	}
	c.JSON(http.StatusOK, model.NewHistoryResponse(res))
}

// Undo and Redo answer 200 with applied=false at a history boundary.
func (h *BoardHandler) Undo(c *gin.Context) {
	res, err := h.History.Undo(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "undo", err)
		return
	}
	c.JSON(http.StatusOK, model.NewHistoryResponse(res))
}

func (h *BoardHandler) Redo(c *gin.Context) {
	res, err := h.History.Redo(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "redo", err)
		return
	}
	c.JSON(http.StatusOK, model.NewHistoryResponse(res))
}

func (h *BoardHandler) Touch(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.History.Touch(ctx, id); err != nil {
		h.fail(c, "touch", err)
		return
	}
	at, err := h.History.TouchedAt(ctx, id)
	if err != nil {
		h.fail(c, "touch", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"touchedAt": at})
}

func payloadString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if !json.Valid(raw) {
		return "", errors.New("invalid json")
	}
	return string(raw), nil
}
