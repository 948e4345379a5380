package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pwndepot/ctfgate/internal/util"
)

const tabKeyInfo = "ctfgate:tab:v1"

// TabStore is the per-tab key/value store: JSON values sealed at rest with a
// key derived from the tab secret and the tab ID. Records written by one tab
// cannot be opened by another.
type TabStore struct {
	repo  Repository
	tabID string

	mu     sync.Mutex
	key    []byte
	closed bool
}

// NewTabID returns a fresh random tab ID.
func NewTabID() string {
	return uuid.NewString()
}

// NewTabStore opens the store for tabID. secret must be at least 32 bytes;
// it is never stored.
func NewTabStore(repo Repository, tabID string, secret []byte) (*TabStore, error) {
	if tabID == "" {
		return nil, errors.New("tab ID must not be empty")
	}
	if len(secret) < util.AESKeySize {
		return nil, fmt.Errorf("tab secret must be at least %d bytes, got %d", util.AESKeySize, len(secret))
	}
	key, err := util.DeriveKey(secret, []byte(tabID), []byte(tabKeyInfo))
	if err != nil {
		return nil, fmt.Errorf("deriving tab key: %w", err)
	}
	return &TabStore{repo: repo, tabID: tabID, key: key}, nil
}

// TabID returns the tab this store is scoped to.
func (s *TabStore) TabID() string {
	return s.tabID
}

func (s *TabStore) aad(key string) []byte {
	return []byte("tab:" + s.tabID + ":" + key)
}

// Get decodes the value stored under key into v. It reports false when
// nothing is stored. A record that cannot be opened or decoded is removed
// and reported as absent.
func (s *TabStore) Get(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.New("tab store closed")
	}

	env, err := s.repo.Get(s.tabID, key)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTabNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	data, err := open(s.key, env, s.aad(key))
	if err != nil {
		_ = s.repo.Delete(s.tabID, key)
		return false, nil
	}
	defer util.WipeBytes(data)
	if err := json.Unmarshal(data, v); err != nil {
		_ = s.repo.Delete(s.tabID, key)
		return false, nil
	}
	return true, nil
}

// Set stores v under key, replacing any previous value.
func (s *TabStore) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	defer util.WipeBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("tab store closed")
	}
	env, err := seal(s.key, data, s.aad(key))
	if err != nil {
		return fmt.Errorf("sealing %s: %w", key, err)
	}
	return s.repo.Put(s.tabID, key, env)
}

// Remove deletes key. Removing a missing key is not an error.
func (s *TabStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.repo.Delete(s.tabID, key)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTabNotFound) {
		return nil
	}
	return err
}

// Has reports whether key holds a value.
func (s *TabStore) Has(key string) bool {
	var raw json.RawMessage
	ok, err := s.Get(key, &raw)
	return ok && err == nil
}

// Close wipes the derived key. Further reads and writes fail.
func (s *TabStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		util.WipeBytes(s.key)
	}
}
