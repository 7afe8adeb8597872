package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
)

const fileKVName = "veilsync-store.json"

// fileKV is the flat key-value fallback: one JSON file, rewritten atomically
// on every mutation. Capacity is tiny compared to badger but it runs
// anywhere a writable directory exists.
type fileKV struct {
	mu   sync.RWMutex
	path string
	data map[string][]byte
}

func openFileKV(dir string) (*fileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, translateFileErr(err)
	}
	kv := &fileKV{
		path: filepath.Join(dir, fileKVName),
		data: make(map[string][]byte),
	}

	raw, err := os.ReadFile(kv.path)
	if errors.Is(err, os.ErrNotExist) {
		return kv, nil
	}
	if err != nil {
		return nil, translateFileErr(err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &kv.data); err != nil {
			return nil, fmt.Errorf("localstore: corrupt store file: %w", err)
		}
	}
	return kv, nil
}

func (f *fileKV) get(key string) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	value, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (f *fileKV) set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	previous, existed := f.data[key]
	f.data[key] = append([]byte(nil), value...)
	if err := f.flushLocked(); err != nil {
		if existed {
			f.data[key] = previous
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *fileKV) delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	previous, existed := f.data[key]
	if !existed {
		return nil
	}
	delete(f.data, key)
	if err := f.flushLocked(); err != nil {
		f.data[key] = previous
		return err
	}
	return nil
}

func (f *fileKV) scan(prefix string, visit func(key string, value []byte) error) error {
	f.mu.RLock()
	keys := make([]string, 0)
	for key := range f.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(keys))
	for _, key := range keys {
		snapshot[key] = append([]byte(nil), f.data[key]...)
	}
	f.mu.RUnlock()

	for _, key := range keys {
		if err := visit(key, snapshot[key]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fileKV) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked()
}

func (f *fileKV) flushLocked() error {
	raw, err := json.Marshal(f.data)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return translateFileErr(err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return translateFileErr(err)
	}
	return nil
}

func translateFileErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
