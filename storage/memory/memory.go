// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"sync"

	"github.com/pwndepot/ctfgate/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Records disappear with the process; suitable for tests and one-shot
// commands.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
	}
}

func (r *Repository) Put(tabID, key string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[tabID]; !ok {
		r.data[tabID] = make(map[string]*storage.Envelope)
	}
	r.data[tabID][key] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(tabID, key string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.data[tabID]
	if !ok {
		return nil, storage.ErrTabNotFound
	}
	env, ok := tab[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (r *Repository) Delete(tabID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tab, ok := r.data[tabID]
	if !ok {
		return storage.ErrTabNotFound
	}
	if _, ok := tab[key]; !ok {
		return storage.ErrNotFound
	}
	delete(tab, key)
	return nil
}

// List returns the keys stored for tabID in lexical order.
func (r *Repository) List(tabID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k := range r.data[tabID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
