package memory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pwndepot/ctfgate/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	tabID := "tab1"
	key := "pwndepot:account_delete:v5"
	env := &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte("ciphertext"),
	}

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(tabID, key, env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := repo.Get(tabID, key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if got.Ver != env.Ver || got.Scheme != env.Scheme || !bytes.Equal(got.Nonce, env.Nonce) || !bytes.Equal(got.Ciphertext, env.Ciphertext) {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}

		// Test isolation (cloning)
		got.Nonce[0] = 'X'
		got2, _ := repo.Get(tabID, key)
		if got2.Nonce[0] == 'X' {
			t.Error("Memory repository should return clones of envelopes")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		if _, err := repo.Get("other-tab", key); !errors.Is(err, storage.ErrTabNotFound) {
			t.Errorf("expected ErrTabNotFound, got %v", err)
		}
		if _, err := repo.Get(tabID, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		_ = repo.Put(tabID, "pwndepot:ctf_status:v1", env)
		keys, err := repo.List(tabID)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(keys) != 2 || keys[0] != key {
			t.Errorf("unexpected keys: %v", keys)
		}
		keys, _ = repo.List("other-tab")
		if len(keys) != 0 {
			t.Errorf("expected no keys for unknown tab, got %v", keys)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(tabID, key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(tabID, key); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(tabID, key); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}
