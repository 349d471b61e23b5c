// Package replica defines the replicated presence map: every participant owns
// exactly one entry, keyed by its client id, and reads see the union of all
// entries.
package replica

import (
	"encoding/json"
	"errors"
	"sort"
)

var ErrClosed = errors.New("replica: map closed")

// State is one client's entry: field name -> JSON value.
type State map[string]json.RawMessage

func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Decode unmarshals field key into dst. It reports false when the field is
// absent, JSON null or not decodable into dst.
func (s State) Decode(key string, dst any) bool {
	raw, ok := s[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// Change describes which client entries moved in a single event.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Local   bool
}

// Involves reports whether id appears anywhere in the change.
func (c Change) Involves(id string) bool {
	for _, list := range [][]string{c.Added, c.Updated, c.Removed} {
		for _, v := range list {
			if v == id {
				return true
			}
		}
	}
	return false
}

// OnlyClient reports whether every id in the change equals id.
func (c Change) OnlyClient(id string) bool {
	n := 0
	for _, list := range [][]string{c.Added, c.Updated, c.Removed} {
		for _, v := range list {
			if v != id {
				return false
			}
			n++
		}
	}
	return n > 0
}

type Map interface {
	LocalClientID() string
	// SetLocalField writes one field of the caller's own entry.
	SetLocalField(key string, value json.RawMessage) error
	LocalState() State
	States() map[string]State
	Subscribe(fn func(Change)) (unsubscribe func())
	// Close removes the caller's entry and releases the handle.
	Close() error
}

type listeners struct {
	next int
	fns  map[int]func(Change)
}

func (l *listeners) add(fn func(Change)) int {
	if l.fns == nil {
		l.fns = make(map[int]func(Change))
	}
	l.next++
	l.fns[l.next] = fn
	return l.next
}

func (l *listeners) remove(id int) {
	delete(l.fns, id)
}

// snapshot returns callbacks in subscription order.
func (l *listeners) snapshot() []func(Change) {
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, l.fns[id])
	}
	return out
}

func cloneStates(in map[string]State) map[string]State {
	out := make(map[string]State, len(in))
	for id, s := range in {
		out[id] = s.Clone()
	}
	return out
}
