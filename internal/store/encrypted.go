package store

import (
	"context"
	"fmt"

	"github.com/jwalitptl/carelink/pkg/security"
)

// Encrypted seals every value with AES-GCM before it reaches the wrapped
// store. Keys are left readable so ListKeys and the key scan keep working.
type Encrypted struct {
	inner Store
	enc   security.Encryptor
}

func NewEncrypted(inner Store, key []byte) (*Encrypted, error) {
	enc, err := security.NewAESEncryptor(key)
	if err != nil {
		return nil, err
	}
	return &Encrypted{inner: inner, enc: enc}, nil
}

func (s *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := s.enc.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %v: %w", key, err, ErrUndecodable)
	}
	return plain, nil
}

func (s *Encrypted) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.enc.Encrypt(value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *Encrypted) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

func (s *Encrypted) ListKeys(ctx context.Context) ([]string, error) {
	return s.inner.ListKeys(ctx)
}

func (s *Encrypted) Close() error {
	return s.inner.Close()
}
