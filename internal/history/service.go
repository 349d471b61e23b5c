package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Store interface {
	// Load returns the board's log, or an empty Log if the board has none.
	Load(ctx context.Context, boardID string) (Log, error)
	Save(ctx context.Context, boardID string, log Log) error
}

// Service is the authoritative mutation service. Calls for the same board
// are serialized.
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) lock(boardID string) func() {
	s.mu.Lock()
	l, ok := s.locks[boardID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[boardID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) load(ctx context.Context, boardID string) (Log, error) {
	if boardID == "" {
		return Log{}, ErrNotFound
	}
	log, err := s.store.Load(ctx, boardID)
	if err != nil {
		return Log{}, fmt.Errorf("load history %s: %w", boardID, err)
	}
	if log.Position < 0 || log.Position > len(log.Entries) {
		s.logger.Warn("history: position out of range, clamping", "board", boardID, "position", log.Position, "entries", len(log.Entries))
		log.Position = max(0, min(log.Position, len(log.Entries)))
	}
	return log, nil
}

func (s *Service) result(log Log, applied bool) (Result, error) {
	elements, err := Replay(log.Entries[:log.Position])
	if err != nil {
		return Result{}, err
	}
	return Result{
		Elements: elements,
		History:  append([]ActionEntry(nil), log.Entries...),
		Position: log.Position,
		Version:  log.Version,
		Applied:  applied,
	}, nil
}

func (s *Service) State(ctx context.Context, boardID string) (Result, error) {
	unlock := s.lock(boardID)
	defer unlock()

	log, err := s.load(ctx, boardID)
	if err != nil {
		return Result{}, err
	}
	return s.result(log, false)
}

// Append commits a new edit at the current position, discarding any redo
// tail.
func (s *Service) Append(ctx context.Context, boardID string, e ActionEntry) (Result, error) {
	if err := Validate(e); err != nil {
		return Result{}, err
	}
	if e.Timestamp == 0 {
		e.Timestamp = s.now().UnixMilli()
	}

	unlock := s.lock(boardID)
	defer unlock()

	log, err := s.load(ctx, boardID)
	if err != nil {
		return Result{}, err
	}
	if dropped := len(log.Entries) - log.Position; dropped > 0 {
		s.logger.Debug("history: discarding redo tail", "board", boardID, "entries", dropped)
	}
	log.Entries = append(log.Entries[:log.Position:log.Position], e)
	log.Position = len(log.Entries)
	return s.commit(ctx, boardID, log)
}

// Undo moves the position back by one. At position 0 it returns the
// unchanged state with Applied=false.
func (s *Service) Undo(ctx context.Context, boardID string) (Result, error) {
	return s.step(ctx, boardID, -1)
}

// Redo moves the position forward by one. At the end of the log it returns
// the unchanged state with Applied=false.
func (s *Service) Redo(ctx context.Context, boardID string) (Result, error) {
	return s.step(ctx, boardID, 1)
}

func (s *Service) step(ctx context.Context, boardID string, delta int) (Result, error) {
	unlock := s.lock(boardID)
	defer unlock()

	log, err := s.load(ctx, boardID)
	if err != nil {
		return Result{}, err
	}
	if (delta < 0 && !log.CanUndo()) || (delta > 0 && !log.CanRedo()) {
		return s.result(log, false)
	}
	log.Position += delta
	return s.commit(ctx, boardID, log)
}

func (s *Service) commit(ctx context.Context, boardID string, log Log) (Result, error) {
	log.Version++
	log.TouchedAt = s.now().UnixMilli()
	res, err := s.result(log, true)
	if err != nil {
		return Result{}, err
	}
	if err := s.store.Save(ctx, boardID, log); err != nil {
		return Result{}, fmt.Errorf("save history %s: %w", boardID, err)
	}
	return res, nil
}

// Touch records activity on a board without changing its history.
func (s *Service) Touch(ctx context.Context, boardID string) error {
	unlock := s.lock(boardID)
	defer unlock()

	log, err := s.load(ctx, boardID)
	if err != nil {
		return err
	}
	log.TouchedAt = s.now().UnixMilli()
	if err := s.store.Save(ctx, boardID, log); err != nil {
		return fmt.Errorf("touch %s: %w", boardID, err)
	}
	return nil
}

// TouchedAt returns the last activity time of a board in unix millis.
func (s *Service) TouchedAt(ctx context.Context, boardID string) (int64, error) {
	unlock := s.lock(boardID)
	defer unlock()

	log, err := s.load(ctx, boardID)
	if err != nil {
		return 0, err
	}
	return log.TouchedAt, nil
}
