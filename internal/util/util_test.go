package util

import (
	"bytes"
	"testing"
)

func TestSealOpen(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	plain := []byte(`{"stage":"mfa","password":"correct horse battery"}`)
	aad := []byte("tab:cli:pwndepot:account_delete:v5")

	nonce, sealed, err := Seal(key, plain, aad)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(nonce) != GCMNonceSize {
		t.Fatalf("expected %d byte nonce, got %d", GCMNonceSize, len(nonce))
	}
	got, err := Open(key, nonce, sealed, aad)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(plain, got) {
		t.Errorf("expected %s, got %s", plain, got)
	}

	otherKey, _ := RandomBytes(AESKeySize)
	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xFF

	failures := map[string]func() error{
		"wrong aad": func() error { _, err := Open(key, nonce, sealed, []byte("tab:other")); return err },
		"wrong key": func() error { _, err := Open(otherKey, nonce, sealed, aad); return err },
		"tampered":  func() error { _, err := Open(key, nonce, tampered, aad); return err },
		"nonce":     func() error { _, err := Open(key, nonce[:4], sealed, aad); return err },
		"key size":  func() error { _, _, err := Seal([]byte("too short"), plain, aad); return err },
	}
	for name, fn := range failures {
		t.Run(name, func(t *testing.T) {
			if fn() == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}

func TestDeriveKey(t *testing.T) {
	seed := []byte("tab secret")
	salt := []byte("3f1c9a2e-tab")
	info := []byte("ctfgate:tab:v1")

	key1, err := DeriveKey(seed, salt, info)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(key1) != 32 {
		t.Errorf("expected key length 32, got %d", len(key1))
	}

	key2, _ := DeriveKey(seed, salt, info)
	if !bytes.Equal(key1, key2) {
		t.Error("DeriveKey should be deterministic")
	}

	key3, _ := DeriveKey(seed, []byte("other-tab"), info)
	if bytes.Equal(key1, key3) {
		t.Error("DeriveKey should produce different output with a different salt")
	}

	if _, err := DeriveKey(nil, salt, info); err == nil {
		t.Error("expected an error for an empty secret")
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("expected zeroed slice, got %v", b)
	}
}

func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b2, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(b1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(b1))
	}
	if bytes.Equal(b1, b2) {
		t.Error("RandomBytes should produce different outputs")
	}
	if _, err := RandomBytes(0); err == nil {
		t.Error("expected an error for a zero length")
	}
}
