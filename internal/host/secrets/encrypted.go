package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

// EncryptKeyEnv holds the 64 hex character AES-256 key.
const EncryptKeyEnv = "MSG_ENCRYPT_KEY"

// KeyFromEnv decodes the key in EncryptKeyEnv.
func KeyFromEnv() ([]byte, error) {
	keyHex := os.Getenv(EncryptKeyEnv)
	if keyHex == "" {
		return nil, fmt.Errorf("%s not set", EncryptKeyEnv)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", EncryptKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must be 64 hex chars (32 bytes), got %d bytes", EncryptKeyEnv, len(key))
	}
	return key, nil
}

// Encrypted keeps secrets AES-256-GCM sealed inside a state store.
type Encrypted struct {
	state host.State
	gcm   cipher.AEAD
}

// NewEncrypted wraps st with key.
func NewEncrypted(st host.State, key []byte) (*Encrypted, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Encrypted{state: st, gcm: gcm}, nil
}

func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, ok, err := e.state.Read(ctx, key, nil)
	if err != nil || !ok {
		return nil, false, err
	}
	plain, err := e.open(sealed)
	if err != nil {
		return nil, false, fmt.Errorf("decrypt %s: %w", key, err)
	}
	return plain, true, nil
}

// Put seals value under key.
func (e *Encrypted) Put(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	return e.state.Write(ctx, key, e.gcm.Seal(nonce, nonce, value, nil), nil)
}

// DeletePrefix drops a namespace when the underlying store supports it.
func (e *Encrypted) DeletePrefix(ctx context.Context, prefix string, _ *envelope.TenantCtx) (int, error) {
	pd, ok := e.state.(host.PrefixDeleter)
	if !ok {
		return 0, fmt.Errorf("state store cannot delete by prefix")
	}
	return pd.DeletePrefix(ctx, prefix, nil)
}

func (e *Encrypted) open(sealed []byte) ([]byte, error) {
	n := e.gcm.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return e.gcm.Open(nil, sealed[:n], sealed[n:], nil)
}
