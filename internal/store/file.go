package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmdata/market-data-api/internal/observ"
)

// fileState is the on-disk document.
type fileState struct {
	Version     int                        `json:"version"`
	LastUpdated string                     `json:"last_updated"`
	Items       map[string]json.RawMessage `json:"items"`
}

// FileStore is a MemoryStore persisted to a JSON file with periodic saves
// and a final save on Stop. It keeps blacklist streaks and source
// priorities across process restarts.
type FileStore struct {
	*MemoryStore

	path         string
	saveInterval time.Duration
	dirty        atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewFileStore loads any existing state at path. A missing file is not an
// error; a corrupt file is reported and replaced on the next save.
func NewFileStore(path string, saveInterval time.Duration) (*FileStore, error) {
	if saveInterval <= 0 {
		saveInterval = 30 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	fs := &FileStore{
		MemoryStore:  NewMemoryStore(),
		path:         path,
		saveInterval: saveInterval,
		stopCh:       make(chan struct{}),
	}

	if b, err := os.ReadFile(path); err == nil {
		var st fileState
		if err := json.Unmarshal(b, &st); err != nil {
			observ.Log("store_load_corrupt", map[string]any{"path": path, "error": err.Error()})
		} else if st.Items != nil {
			fs.replace(st.Items)
			observ.Log("store_loaded", map[string]any{"path": path, "keys": len(st.Items)})
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	fs.wg.Add(1)
	go fs.saveLoop()
	return fs, nil
}

func (fs *FileStore) Put(key string, v any) error {
	if err := fs.MemoryStore.Put(key, v); err != nil {
		return err
	}
	fs.dirty.Store(true)
	return nil
}

func (fs *FileStore) Delete(key string) error {
	if err := fs.MemoryStore.Delete(key); err != nil {
		return err
	}
	fs.dirty.Store(true)
	return nil
}

// Stop flushes pending changes and stops the save loop.
func (fs *FileStore) Stop() error {
	fs.stopOnce.Do(func() { close(fs.stopCh) })
	fs.wg.Wait()
	return fs.save()
}

func (fs *FileStore) saveLoop() {
	defer fs.wg.Done()
	ticker := time.NewTicker(fs.saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if fs.dirty.Swap(false) {
				if err := fs.save(); err != nil {
					observ.Log("store_save_error", map[string]any{"path": fs.path, "error": err.Error()})
				}
			}
		case <-fs.stopCh:
			return
		}
	}
}

func (fs *FileStore) save() error {
	st := fileState{
		Version:     1,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Items:       fs.snapshot(),
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, fs.path)
}
