// Package datastore is a small JSON document store kept in memory and
// flushed to a single file. Writes are atomic (temp file + rename) and the
// previous versions are kept as rotating backups.
package datastore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("datastore: closed")

// ErrTooLarge is returned by Put when the memory limit would be exceeded.
var ErrTooLarge = errors.New("datastore: memory limit exceeded")

// Config holds configuration options for the DataStore.
type Config struct {
	FilePath string
	// AutoSaveInterval of zero disables periodic saving; Flush and Close
	// still write.
	AutoSaveInterval time.Duration
	// MaxMemorySize caps the encoded size of all values in bytes, 0 = unlimited.
	MaxMemorySize int64
	BackupCount   int
	Logger        zerolog.Logger
}

// DefaultConfig returns the configuration used by Open.
func DefaultConfig(filePath string) Config {
	return Config{
		FilePath:         filePath,
		AutoSaveInterval: 10 * time.Second,
		MaxMemorySize:    100 * 1024 * 1024,
		BackupCount:      3,
		Logger:           zerolog.Nop(),
	}
}

// DataStore maps string keys to JSON documents. It is safe for concurrent use.
type DataStore struct {
	cfg Config

	mu           sync.RWMutex
	data         map[string]json.RawMessage
	size         int64
	lastChecksum string
	closed       bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open loads (or creates) the file at filePath with the default configuration.
func Open(filePath string) (*DataStore, error) {
	return OpenWithConfig(DefaultConfig(filePath))
}

// OpenWithConfig loads (or creates) cfg.FilePath and starts auto-saving.
func OpenWithConfig(cfg Config) (*DataStore, error) {
	if cfg.FilePath == "" {
		return nil, errors.New("datastore: file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	ds := &DataStore{
		cfg:  cfg,
		data: make(map[string]json.RawMessage),
		stop: make(chan struct{}),
	}

	raw, err := os.ReadFile(cfg.FilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := ds.writeAtomic([]byte("{}")); err != nil {
			return nil, fmt.Errorf("create %s: %w", cfg.FilePath, err)
		}
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", cfg.FilePath, err)
	default:
		if err := json.Unmarshal(raw, &ds.data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", cfg.FilePath, err)
		}
		if ds.data == nil {
			ds.data = make(map[string]json.RawMessage)
		}
		for _, v := range ds.data {
			ds.size += int64(len(v))
		}
		ds.lastChecksum = checksum(raw)
	}

	if cfg.AutoSaveInterval > 0 {
		ds.wg.Add(1)
		go ds.autoSave()
	}
	return ds, nil
}

// Put stores v under key.
func (ds *DataStore) Put(key string, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return ErrClosed
	}
	next := ds.size - int64(len(ds.data[key])) + int64(len(enc))
	if ds.cfg.MaxMemorySize > 0 && next > ds.cfg.MaxMemorySize {
		return ErrTooLarge
	}
	ds.data[key] = enc
	ds.size = next
	return nil
}

// Get decodes the value under key into dst and reports whether it existed.
func (ds *DataStore) Get(key string, dst any) (bool, error) {
	ds.mu.RLock()
	raw, ok := ds.data[key]
	closed := ds.closed
	ds.mu.RUnlock()

	if closed {
		return false, ErrClosed
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Update loads the value under key into a fresh T (zero if missing), applies
// fn and stores the result, all under the write lock.
func Update[T any](ds *DataStore, key string, fn func(*T) error) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return ErrClosed
	}

	var v T
	if raw, ok := ds.data[key]; ok {
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
	}
	if err := fn(&v); err != nil {
		return err
	}
	enc, err := json.Marshal(&v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	next := ds.size - int64(len(ds.data[key])) + int64(len(enc))
	if ds.cfg.MaxMemorySize > 0 && next > ds.cfg.MaxMemorySize {
		return ErrTooLarge
	}
	ds.data[key] = enc
	ds.size = next
	return nil
}

// Delete removes key.
func (ds *DataStore) Delete(key string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return ErrClosed
	}
	ds.size -= int64(len(ds.data[key]))
	delete(ds.data, key)
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (ds *DataStore) Keys(prefix string) []string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	var out []string
	for k := range ds.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Flush writes the data to disk if it changed since the last write.
func (ds *DataStore) Flush() error {
	ds.mu.RLock()
	if ds.closed {
		ds.mu.RUnlock()
		return ErrClosed
	}
	ds.mu.RUnlock()
	return ds.save()
}

// Close stops auto-saving and writes the data one last time.
func (ds *DataStore) Close() error {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return nil
	}
	ds.closed = true
	ds.mu.Unlock()

	close(ds.stop)
	ds.wg.Wait()
	return ds.save()
}

// Stats describes the store for status endpoints.
func (ds *DataStore) Stats() map[string]any {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return map[string]any{
		"keys":        len(ds.data),
		"memory_size": ds.size,
		"file_path":   ds.cfg.FilePath,
	}
}

func (ds *DataStore) save() error {
	ds.mu.RLock()
	snapshot := maps.Clone(ds.data)
	ds.mu.RUnlock()

	enc, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	sum := checksum(enc)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if sum == ds.lastChecksum {
		return nil
	}
	if ds.cfg.BackupCount > 0 {
		if err := ds.backup(); err != nil {
			ds.cfg.Logger.Warn().Err(err).Str("file", ds.cfg.FilePath).Msg("datastore backup failed")
		}
	}
	if err := ds.writeAtomic(enc); err != nil {
		return err
	}
	written, err := os.ReadFile(ds.cfg.FilePath)
	if err != nil {
		return fmt.Errorf("verify %s: %w", ds.cfg.FilePath, err)
	}
	if !bytes.Equal(written, enc) {
		return fmt.Errorf("verify %s: content mismatch", ds.cfg.FilePath)
	}
	ds.lastChecksum = sum
	return nil
}

func (ds *DataStore) writeAtomic(data []byte) error {
	tmp := ds.cfg.FilePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, ds.cfg.FilePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (ds *DataStore) backup() error {
	src, err := os.Open(ds.cfg.FilePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer src.Close()

	name := fmt.Sprintf("%s.backup.%s", ds.cfg.FilePath, time.Now().Format("20060102_150405.000000000"))
	dst, err := os.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	ds.pruneBackups()
	return nil
}

// pruneBackups keeps the newest BackupCount backups. Backup names sort
// chronologically.
func (ds *DataStore) pruneBackups() {
	matches, err := filepath.Glob(ds.cfg.FilePath + ".backup.*")
	if err != nil || len(matches) <= ds.cfg.BackupCount {
		return
	}
	slices.Sort(matches)
	for _, m := range matches[:len(matches)-ds.cfg.BackupCount] {
		if err := os.Remove(m); err != nil {
			ds.cfg.Logger.Warn().Err(err).Str("file", m).Msg("remove old backup")
		}
	}
}

func (ds *DataStore) autoSave() {
	defer ds.wg.Done()
	ticker := time.NewTicker(ds.cfg.AutoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ds.stop:
			return
		case <-ticker.C:
			if err := ds.save(); err != nil {
				ds.cfg.Logger.Error().Err(err).Msg("datastore auto-save failed")
			}
		}
	}
}

func checksum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
