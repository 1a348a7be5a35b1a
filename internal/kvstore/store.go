// Package kvstore is a small crash-safe key-value store backed by a single
// JSON file. Every mutation rewrites the whole document via a temp file and
// an atomic rename, serialized across processes by an exclusive lock file.
// State volume is tiny (tens of keys), so whole-file rewrites are fine.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ErrLockTimeout is returned when the exclusive lock file could not be
// acquired within the configured timeout. Callers must treat it as
// transient: retry or skip this mutation, never write without the lock.
var ErrLockTimeout = errors.New("kvstore: timed out acquiring lock")

const (
	defaultLockTimeout  = 1 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// Store is a persistent string-to-JSON map. It holds no in-memory state:
// every read loads the file, every write replaces it. Safe for concurrent
// use by multiple processes on the same host.
type Store struct {
	path         string
	lockPath     string
	lockTimeout  time.Duration
	pollInterval time.Duration
	log          zerolog.Logger
}

// Open prepares a store at path, creating the directory and an empty
// document if needed. The lock file lives next to the document.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("kvstore: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create dir: %w", err)
	}
	s := &Store{
		path:         path,
		lockPath:     path + ".lock",
		lockTimeout:  defaultLockTimeout,
		pollInterval: defaultPollInterval,
		log:          log,
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.atomicWrite(map[string]json.RawMessage{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetLockTimeout overrides the default 1s lock acquisition timeout.
func (s *Store) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

// acquireLock creates the lock file exclusively, polling until it succeeds
// or the timeout elapses. O_EXCL makes creation the atomicity point.
func (s *Store) acquireLock() (release func(), err error) {
	deadline := time.Now().Add(s.lockTimeout)
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			return func() {
				f.Close()
				if err := os.Remove(s.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
					s.log.Warn().Err(err).Str("lock", s.lockPath).Msg("failed to remove lock file")
				}
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("kvstore: create lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, s.lockPath)
		}
		time.Sleep(s.pollInterval)
	}
}

func (s *Store) atomicWrite(data map[string]json.RawMessage) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("kvstore: marshal: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state.*.json.tmp")
	if err != nil {
		return fmt.Errorf("kvstore: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kvstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("kvstore: replace: %w", err)
	}
	return nil
}

// read loads the current document. A corrupt file is moved aside to
// path+".bak" and treated as empty; durability of lock/offer history is
// traded for availability.
func (s *Store) read() map[string]json.RawMessage {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("state file unreadable, treating as empty")
		}
		return map[string]json.RawMessage{}
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(b, &data); err != nil {
		backup := s.path + ".bak"
		if renameErr := os.Rename(s.path, backup); renameErr == nil {
			s.log.Warn().Err(err).Str("backup", backup).Msg("corrupt state file backed up and reset")
		} else {
			s.log.Warn().Err(err).Msg("corrupt state file reset")
		}
		return map[string]json.RawMessage{}
	}
	if data == nil {
		return map[string]json.RawMessage{}
	}
	return data
}

// GetAll returns the full document. Never fails: corruption resets to empty.
func (s *Store) GetAll() map[string]json.RawMessage {
	return s.read()
}

// Get unmarshals the value at key into v. The second return is false when
// the key is absent.
func (s *Store) Get(key string, v any) (bool, error) {
	raw, ok := s.read()[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("kvstore: unmarshal %q: %w", key, err)
	}
	return true, nil
}

// Set upserts key under the store lock.
func (s *Store) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: marshal %q: %w", key, err)
	}
	return s.Update(func(data map[string]json.RawMessage) error {
		data[key] = raw
		return nil
	})
}

// Delete removes key under the store lock. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	return s.Update(func(data map[string]json.RawMessage) error {
		delete(data, key)
		return nil
	})
}

// Update runs fn inside the lock-read-mutate-replace critical section. If fn
// returns an error nothing is written. The lock is never held across
// network calls; fn must stay local.
func (s *Store) Update(fn func(data map[string]json.RawMessage) error) error {
	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	data := s.read()
	if err := fn(data); err != nil {
		return err
	}
	return s.atomicWrite(data)
}
