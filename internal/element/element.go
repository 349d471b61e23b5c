// Package element defines canvas element records and partitions them into
// typed collections.
package element

import (
	"encoding/json"
	"strings"
)

// Discriminants carried in Record.Data's "type" field.
const (
	KindStickyNote = "sticky-note"
	KindFrame      = "frame"
	KindText       = "text"
	KindShape      = "shape"
	KindLine       = "line"
)

type Record struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
	// Data is either a JSON object or a JSON string holding one.
	Data      json.RawMessage `json:"data"`
	Style     json.RawMessage `json:"style,omitempty"`
	CreatedBy string          `json:"createdBy,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// Payload returns Data as a JSON object, unwrapping one level of string
// encoding. It returns nil when Data holds neither.
func (r Record) Payload() json.RawMessage {
	raw := json.RawMessage(strings.TrimSpace(string(r.Data)))
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		raw = json.RawMessage(strings.TrimSpace(s))
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	return raw
}

// Kind is the discriminant of the payload, or "" if there is none.
func (r Record) Kind() string {
	payload := r.Payload()
	if payload == nil {
		return ""
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.Type
}

type Collections struct {
	Lines        []Record `json:"lines"`
	StickyNotes  []Record `json:"stickyNotes"`
	Frames       []Record `json:"frames"`
	TextElements []Record `json:"textElements"`
	Shapes       []Record `json:"shapes"`
}

func (c Collections) Len() int {
	return len(c.Lines) + len(c.StickyNotes) + len(c.Frames) + len(c.TextElements) + len(c.Shapes)
}

// All flattens the buckets in a fixed order.
func (c Collections) All() []Record {
	out := make([]Record, 0, c.Len())
	out = append(out, c.Lines...)
	out = append(out, c.StickyNotes...)
	out = append(out, c.Frames...)
	out = append(out, c.TextElements...)
	out = append(out, c.Shapes...)
	return out
}

// Contains reports whether any bucket holds an element with id.
func (c Collections) Contains(id string) bool {
	for _, r := range c.All() {
		if r.ID == id {
			return true
		}
	}
	return false
}

// Classify partitions elements by discriminant. Missing or unknown
// discriminants land in Lines.
//
// TODO: route unknown kinds to their own bucket once renderers stop relying
// on the Lines fallback for newly added element types.
func Classify(elements []Record) Collections {
	c := Collections{
		Lines:        []Record{},
		StickyNotes:  []Record{},
		Frames:       []Record{},
		TextElements: []Record{},
		Shapes:       []Record{},
	}
	for _, r := range elements {
		switch r.Kind() {
		case KindStickyNote:
			c.StickyNotes = append(c.StickyNotes, r)
		case KindFrame:
			c.Frames = append(c.Frames, r)
		case KindText:
			c.TextElements = append(c.TextElements, r)
		case KindShape:
			c.Shapes = append(c.Shapes, r)
		default:
			c.Lines = append(c.Lines, r)
		}
	}
	return c
}
