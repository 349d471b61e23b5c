// Package coordinator keeps a client's local copy of a board in step with the
// history service: it runs undo/redo against the service and swaps in the
// returned elements, history and position.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"boardsync/internal/element"
	"boardsync/internal/history"
	"boardsync/internal/model"
)

type Mutator interface {
	Undo(ctx context.Context, boardID string) (model.HistoryResponse, error)
	Redo(ctx context.Context, boardID string) (model.HistoryResponse, error)
}

type Loader interface {
	State(ctx context.Context, boardID string) (model.HistoryResponse, error)
}

// Notifier is told when a board changed through history replay.
type Notifier interface {
	Touch(ctx context.Context, boardID string) error
}

// Selection is the local selection and editing state. Ids refer to elements
// in the current collections; empty means nothing selected.
type Selection struct {
	StickyNote  string
	Frame       string
	Text        string
	EditingText string
	Shapes      []string
}

func (s Selection) Empty() bool {
	return s.StickyNote == "" && s.Frame == "" && s.Text == "" && s.EditingText == "" && len(s.Shapes) == 0
}

// View is an immutable snapshot of the local board.
type View struct {
	Collections element.Collections
	History     []history.ActionEntry
	Position    int
	Version     int64
	Selection   Selection
}

func (v View) CanUndo() bool { return v.Position > 0 }

func (v View) CanRedo() bool { return v.Position < len(v.History) }

func (v View) clone() View {
	out := v
	out.History = slices.Clone(v.History)
	out.Selection.Shapes = slices.Clone(v.Selection.Shapes)
	return out
}

// Outcome describes what a HandleUndo/HandleRedo call did to the view.
type Outcome int

const (
	Applied Outcome = iota
	NotApplicable
	Malformed
	Stale
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NotApplicable:
		return "not_applicable"
	case Malformed:
		return "malformed"
	case Stale:
		return "stale"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Option func(*Coordinator)

func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// Coordinator is scoped to one board of one client session.
type Coordinator struct {
	boardID  string
	mutator  Mutator
	notifier Notifier
	logger   *slog.Logger

	// serializes round trips so responses are applied in request order
	reqMu sync.Mutex

	mu   sync.RWMutex
	view View

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(View)
}

func New(boardID string, m Mutator, opts ...Option) *Coordinator {
	c := &Coordinator{
		boardID: boardID,
		mutator: m,
		logger:  slog.Default(),
		view:    View{Collections: element.Classify(nil)},
		subs:    make(map[int]func(View)),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("board", boardID)
	return c
}

func (c *Coordinator) BoardID() string { return c.boardID }

// View returns a copy of the current local state.
func (c *Coordinator) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.clone()
}

// Load replaces the local state with the service's current state. Unlike
// undo/redo it does not clear the selection or notify.
func (c *Coordinator) Load(ctx context.Context, l Loader) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	resp, err := l.State(ctx, c.boardID)
	if err != nil {
		return fmt.Errorf("load board %s: %w", c.boardID, err)
	}
	if !wellFormed(resp) {
		c.logger.Warn("coordinator: malformed state response ignored")
		return nil
	}
	c.mu.Lock()
	c.view = View{
		Collections: element.Classify(resp.Elements),
		History:     slices.Clone(resp.History),
		Position:    *resp.HistoryIndex,
		Version:     resp.Version,
		Selection:   c.view.Selection,
	}
	v := c.view.clone()
	c.mu.Unlock()

	c.publish(v)
	return nil
}

// HandleUndo asks the service to undo the last applied action. An error is
// returned only when the request itself failed; boundary no-ops and
// malformed responses leave the view unchanged and return nil.
func (c *Coordinator) HandleUndo(ctx context.Context) error {
	_, err := c.run(ctx, "undo", c.mutator.Undo)
	return err
}

func (c *Coordinator) HandleRedo(ctx context.Context) error {
	_, err := c.run(ctx, "redo", c.mutator.Redo)
	return err
}

// Undo is HandleUndo reporting what happened.
func (c *Coordinator) Undo(ctx context.Context) (Outcome, error) {
	return c.run(ctx, "undo", c.mutator.Undo)
}

func (c *Coordinator) Redo(ctx context.Context) (Outcome, error) {
	return c.run(ctx, "redo", c.mutator.Redo)
}

type call func(ctx context.Context, boardID string) (model.HistoryResponse, error)

func (c *Coordinator) run(ctx context.Context, op string, do call) (Outcome, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	resp, err := do(ctx, c.boardID)
	if err != nil {
		return Failed, fmt.Errorf("%s board %s: %w", op, c.boardID, err)
	}
	outcome, v := c.apply(resp)
	switch outcome {
	case Malformed:
		c.logger.Warn("coordinator: malformed history response ignored", "op", op)
		return outcome, nil
	case Stale:
		c.logger.Info("coordinator: stale history response dropped", "op", op, "version", resp.Version)
		return outcome, nil
	case NotApplicable:
		c.logger.Debug("coordinator: nothing to "+op, "position", v.Position)
		return outcome, nil
	}

	c.publish(v)
	if c.notifier != nil {
		if err := c.notifier.Touch(ctx, c.boardID); err != nil {
			c.logger.Warn("coordinator: board touch failed", "op", op, "error", err)
		}
	}
	return Applied, nil
}

func wellFormed(r model.HistoryResponse) bool {
	return r.Elements != nil && r.History != nil && r.HistoryIndex != nil &&
		*r.HistoryIndex >= 0 && *r.HistoryIndex <= len(r.History)
}

// apply swaps the whole view in one step so readers never see a partial
// update.
func (c *Coordinator) apply(r model.HistoryResponse) (Outcome, View) {
	if !wellFormed(r) {
		return Malformed, View{}
	}
	collections := element.Classify(r.Elements)

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.view
	if r.Applied != nil && !*r.Applied {
		return NotApplicable, cur.clone()
	}
	// Services that do not report applied signal a no-op with unchanged data.
	if r.Applied == nil && *r.HistoryIndex == cur.Position && len(r.History) == len(cur.History) && r.Version == cur.Version {
		return NotApplicable, cur.clone()
	}
	if r.Version != 0 && r.Version < cur.Version {
		return Stale, cur.clone()
	}

	c.view = View{
		Collections: collections,
		History:     slices.Clone(r.History),
		Position:    *r.HistoryIndex,
		Version:     r.Version,
	}
	return Applied, c.view.clone()
}

// OnChange registers cb to receive the view after every applied change.
func (c *Coordinator) OnChange(cb func(View)) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = cb
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Coordinator) publish(v View) {
	c.subMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	cbs := make([]func(View), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, c.subs[id])
	}
	c.subMu.Unlock()

	for _, cb := range cbs {
		cb(v)
	}
}
