package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileFormatVersion = 1

type persistedFile struct {
	Version int          `json:"version"`
	Boards  []boardEntry `json:"boards"`
	SavedAt int64        `json:"savedAt"`
}

type boardEntry struct {
	BoardID string `json:"boardId"`
	Log
}

// FileStore keeps every board in memory and rewrites a single JSON file on
// each save. Suited to small single-node deployments.
type FileStore struct {
	path string
	mem  *MemoryStore

	persistMu sync.Mutex
}

// OpenFile loads path if it exists. A missing or empty file starts empty.
func OpenFile(path string) (*FileStore, error) {
	fs := &FileStore{path: path, mem: NewMemoryStore()}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(data) == 0 {
		return fs, nil
	}

	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if file.Version != fileFormatVersion {
		return nil, errors.New("unsupported history file version")
	}
	for _, b := range file.Boards {
		if b.BoardID == "" {
			continue
		}
		fs.mem.logs[b.BoardID] = b.Log.clone()
	}
	return fs, nil
}

func (f *FileStore) Load(ctx context.Context, boardID string) (Log, error) {
	return f.mem.Load(ctx, boardID)
}

func (f *FileStore) Save(ctx context.Context, boardID string, log Log) error {
	f.persistMu.Lock()
	defer f.persistMu.Unlock()

	prev, existed := f.snapshotBoard(boardID)
	if err := f.mem.Save(ctx, boardID, log); err != nil {
		return err
	}
	if err := f.persist(); err != nil {
		f.restore(boardID, prev, existed)
		return err
	}
	return nil
}

func (f *FileStore) snapshotBoard(boardID string) (Log, bool) {
	f.mem.mu.RLock()
	defer f.mem.mu.RUnlock()
	l, ok := f.mem.logs[boardID]
	return l.clone(), ok
}

func (f *FileStore) restore(boardID string, prev Log, existed bool) {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	if existed {
		f.mem.logs[boardID] = prev
	} else {
		delete(f.mem.logs, boardID)
	}
}

func (f *FileStore) snapshot() []boardEntry {
	f.mem.mu.RLock()
	defer f.mem.mu.RUnlock()
	out := make([]boardEntry, 0, len(f.mem.logs))
	for id, l := range f.mem.logs {
		out = append(out, boardEntry{BoardID: id, Log: l.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoardID < out[j].BoardID })
	return out
}

// persist writes the whole store to a temp file and renames it over path.
func (f *FileStore) persist() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("history file: mkdir %s: %w", dir, err)
	}

	file := persistedFile{Version: fileFormatVersion, Boards: f.snapshot(), SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("history file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("history file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("history file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("history file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("history file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("history file: %w", err)
	}
	return nil
}

// Open picks a durable store by path: "*.json" uses FileStore, anything else
// is a sqlite database. The returned close func is never nil.
func Open(path string) (Store, func() error, error) {
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		fs, err := OpenFile(path)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() error { return nil }, nil
	}
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}
