// Package history holds a board's ordered, invertible edit log and the
// undo/redo contract over it. The elements at any position are rebuilt by
// replaying the applied prefix of the log.
package history

import (
	"encoding/json"
	"errors"
	"fmt"

	"boardsync/internal/element"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

var (
	ErrInvalidAction = errors.New("invalid action")
	ErrNotFound      = errors.New("board not found")
)

// ActionEntry is one committed edit. Data is the serialized payload:
// an element.Record for create/delete, an UpdateData for update.
type ActionEntry struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	AuthorID  string `json:"userId"`
}

// UpdateData keeps both sides of an update so the entry can be inverted.
type UpdateData struct {
	Before element.Record `json:"before"`
	After  element.Record `json:"after"`
}

// Log is a board's history. Entries below Position are applied, the rest
// are available for redo.
type Log struct {
	Entries   []ActionEntry `json:"entries"`
	Position  int           `json:"position"`
	Version   int64         `json:"version"`
	TouchedAt int64         `json:"touchedAt"`
}

func (l Log) CanUndo() bool { return l.Position > 0 }

func (l Log) CanRedo() bool { return l.Position < len(l.Entries) }

func (l Log) clone() Log {
	out := l
	out.Entries = append([]ActionEntry(nil), l.Entries...)
	return out
}

// Result is the outcome of a query or mutation. Applied is false when an
// undo/redo hit a boundary and nothing changed.
type Result struct {
	Elements []element.Record
	History  []ActionEntry
	Position int
	Version  int64
	Applied  bool
}

func decodeRecord(data string) (element.Record, error) {
	var r element.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return element.Record{}, err
	}
	if r.ID == "" {
		return element.Record{}, errors.New("missing element id")
	}
	return r, nil
}

// Validate checks that e can be applied and inverted.
func Validate(e ActionEntry) error {
	switch e.Type {
	case ActionCreate, ActionDelete:
		if _, err := decodeRecord(e.Data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidAction, e.Type, err)
		}
	case ActionUpdate:
		var u UpdateData
		if err := json.Unmarshal([]byte(e.Data), &u); err != nil {
			return fmt.Errorf("%w: update: %v", ErrInvalidAction, err)
		}
		if u.After.ID == "" || u.Before.ID != u.After.ID {
			return fmt.Errorf("%w: update: before/after ids must match", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, e.Type)
	}
	return nil
}

// Apply returns elements with e applied. Element order is creation order.
func Apply(elements []element.Record, e ActionEntry) ([]element.Record, error) {
	switch e.Type {
	case ActionCreate:
		r, err := decodeRecord(e.Data)
		if err != nil {
			return elements, fmt.Errorf("%w: create: %v", ErrInvalidAction, err)
		}
		if i := indexOf(elements, r.ID); i >= 0 {
			elements[i] = r
			return elements, nil
		}
		return append(elements, r), nil
	case ActionUpdate:
		var u UpdateData
		if err := json.Unmarshal([]byte(e.Data), &u); err != nil {
			return elements, fmt.Errorf("%w: update: %v", ErrInvalidAction, err)
		}
		if i := indexOf(elements, u.After.ID); i >= 0 {
			elements[i] = u.After
			return elements, nil
		}
		return append(elements, u.After), nil
	case ActionDelete:
		r, err := decodeRecord(e.Data)
		if err != nil {
			return elements, fmt.Errorf("%w: delete: %v", ErrInvalidAction, err)
		}
		if i := indexOf(elements, r.ID); i >= 0 {
			return append(elements[:i], elements[i+1:]...), nil
		}
		return elements, nil
	default:
		return elements, fmt.Errorf("%w: unknown type %q", ErrInvalidAction, e.Type)
	}
}

// Replay rebuilds the element set produced by entries, in order.
func Replay(entries []ActionEntry) ([]element.Record, error) {
	elements := make([]element.Record, 0, len(entries))
	for i, e := range entries {
		var err error
		elements, err = Apply(elements, e)
		if err != nil {
			return nil, fmt.Errorf("replay entry %d: %w", i, err)
		}
	}
	return elements, nil
}

func indexOf(elements []element.Record, id string) int {
	for i, r := range elements {
		if r.ID == id {
			return i
		}
	}
	return -1
}
