package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pwndepot/ctfgate/internal/util"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := util.RandomBytes(util.AESKeySize)
	require.NoError(t, err)
	return key
}

func TestEnvelope(t *testing.T) {
	key := testKey(t)
	plain := []byte(`{"stage":"mfa"}`)
	aad := []byte("tab:1:pwndepot:account_delete:v5")

	env, err := seal(key, plain, aad)
	require.NoError(t, err)
	assert.Equal(t, envelopeVersion, env.Ver)
	assert.Len(t, env.Nonce, util.GCMNonceSize)

	got, err := open(key, env, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	wrongVer, wrongScheme := *env, *env
	wrongVer.Ver = 99
	wrongScheme.Scheme = "raw"

	cases := map[string]func() ([]byte, error){
		"wrong aad":    func() ([]byte, error) { return open(key, env, []byte("tab:2:pwndepot:account_delete:v5")) },
		"wrong key":    func() ([]byte, error) { return open(testKey(t), env, aad) },
		"version":      func() ([]byte, error) { return open(key, &wrongVer, aad) },
		"scheme":       func() ([]byte, error) { return open(key, &wrongScheme, aad) },
		"nil envelope": func() ([]byte, error) { return open(key, nil, aad) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fn()
			assert.Error(t, err)
		})
	}
}
