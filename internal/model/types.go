// Package model holds the JSON wire shapes shared by the server handlers and
// the Go clients.
package model

import (
	"encoding/json"

	"boardsync/internal/element"
	"boardsync/internal/history"
)

// HistoryResponse is the body of every board query and undo/redo/append call.
// Fields are pointers or nil-able so a client can tell a missing field from
// an empty one.
type HistoryResponse struct {
	Elements     []element.Record      `json:"elements"`
	History      []history.ActionEntry `json:"history"`
	HistoryIndex *int                  `json:"historyIndex"`
	Version      int64                 `json:"version"`
	Applied      *bool                 `json:"applied,omitempty"`
}

func NewHistoryResponse(r history.Result) HistoryResponse {
	elements := r.Elements
	if elements == nil {
		elements = []element.Record{}
	}
	entries := r.History
	if entries == nil {
		entries = []history.ActionEntry{}
	}
	pos := r.Position
	applied := r.Applied
	return HistoryResponse{
		Elements:     elements,
		History:      entries,
		HistoryIndex: &pos,
		Version:      r.Version,
		Applied:      &applied,
	}
}

// Awareness relay message types.
const (
	AwarenessSet     = "set"
	AwarenessPing    = "ping"
	AwarenessPong    = "pong"
	AwarenessWelcome = "welcome"
	AwarenessState   = "state"
	AwarenessRemove  = "remove"
)

type AwarenessMessage struct {
	Type     string                                `json:"type"`
	ClientID string                                `json:"clientId,omitempty"`
	Key      string                                `json:"key,omitempty"`
	Value    json.RawMessage                       `json:"value,omitempty"`
	State    map[string]json.RawMessage            `json:"state,omitempty"`
	States   map[string]map[string]json.RawMessage `json:"states,omitempty"`
}
