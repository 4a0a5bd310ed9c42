package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// File is a memory store persisted to a JSON file after every write.
type File struct {
	*Memory
	path   string
	saveMu sync.Mutex
}

type fileState struct {
	Values map[string]entry    `json:"values"`
	Lists  map[string][][]byte `json:"lists"`
}

// NewFile opens or creates the store file at path.
func NewFile(path string, cleanupInterval time.Duration, logger *slog.Logger) (*File, error) {
	f := &File{Memory: NewMemory(0, logger), path: path}
	if err := f.load(); err != nil {
		return nil, err
	}
	if cleanupInterval > 0 {
		go f.cleanupLoop(cleanupInterval)
	}
	return f, nil
}

func (f *File) load() error {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errbuilder.GenericErr("failed to read store file", err)
	}
	if len(raw) == 0 {
		return nil
	}

	var state fileState
	if err := json.Unmarshal(raw, &state); err != nil {
		return errbuilder.GenericErr("store file is corrupt", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if state.Values != nil {
		f.values = state.Values
	}
	if state.Lists != nil {
		f.lists = state.Lists
	}
	return nil
}

// save writes the whole state to a temp file and renames it into place.
func (f *File) save() error {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	f.mu.RLock()
	raw, err := json.Marshal(fileState{Values: f.values, Lists: f.lists})
	f.mu.RUnlock()
	if err != nil {
		return errbuilder.GenericErr("failed to encode store", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errbuilder.GenericErr("failed to create store directory", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errbuilder.GenericErr("failed to write store file", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errbuilder.GenericErr("failed to replace store file", err)
	}
	return nil
}

// Set implements rights2roof.Store.
func (f *File) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.Memory.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return f.save()
}

// Append implements rights2roof.Store.
func (f *File) Append(ctx context.Context, key string, value []byte) error {
	if err := f.Memory.Append(ctx, key, value); err != nil {
		return err
	}
	return f.save()
}

func (f *File) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if f.sweep() {
				if err := f.save(); err != nil {
					f.logger.Error("Failed to persist store after cleanup", "path", f.path, "error", err)
				}
			}
		case <-f.stop:
			return
		}
	}
}
