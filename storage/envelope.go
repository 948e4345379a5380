package storage

import (
	"fmt"

	"github.com/pwndepot/ctfgate/internal/util"
)

const (
	envelopeVersion = 1
	schemeAESGCM    = "aes256gcm"
)

// Envelope is one sealed tab record as the Repository stores it.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func seal(key, plaintext, aad []byte) (*Envelope, error) {
	nonce, ciphertext, err := util.Seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{Ver: envelopeVersion, Scheme: schemeAESGCM, Nonce: nonce, Ciphertext: ciphertext}, nil
}

func open(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	switch {
	case env == nil:
		return nil, fmt.Errorf("nil envelope")
	case env.Ver != envelopeVersion:
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	case env.Scheme != schemeAESGCM:
		return nil, fmt.Errorf("unsupported envelope scheme: %q", env.Scheme)
	}
	return util.Open(key, env.Nonce, env.Ciphertext, aad)
}
