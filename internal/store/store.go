// Package store is the namespaced key/value persistence layer under the sync
// engine. It has no logic beyond get, set, remove and key listing; the typed
// accessors built on top live in internal/repository.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// ErrUndecodable is returned when a stored value cannot be decoded by a
// wrapping layer; callers treat it like a parse failure.
var ErrUndecodable = errors.New("store: value cannot be decoded")

// Store is a namespaced key/value store. Implementations are safe for
// concurrent use but offer no transactions across keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
	Close() error
}

type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverRedis    Driver = "redis"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Options selects and configures a driver.
type Options struct {
	Driver    Driver
	Namespace string

	RedisURL    string
	PostgresDSN string
	SQLitePath  string

	// EncryptionKey, when set, wraps the driver in an AES-GCM layer.
	EncryptionKey []byte
}

// Open builds the configured driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Namespace == "" {
		opts.Namespace = "carelink"
	}

	var (
		s   Store
		err error
	)
	switch opts.Driver {
	case DriverMemory, "":
		s = NewMemoryStore(opts.Namespace)
	case DriverRedis:
		s, err = NewRedisStore(ctx, opts.RedisURL, opts.Namespace)
	case DriverPostgres:
		s, err = NewPostgresStore(ctx, opts.PostgresDSN, opts.Namespace)
	case DriverSQLite:
		s, err = NewSQLiteStore(ctx, opts.SQLitePath, opts.Namespace)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if len(opts.EncryptionKey) > 0 {
		enc, err := NewEncrypted(s, opts.EncryptionKey)
		if err != nil {
			s.Close()
			return nil, err
		}
		s = enc
	}
	return s, nil
}

func namespaced(ns, key string) string {
	return ns + ":" + key
}

func stripNamespace(ns, key string) (string, bool) {
	return strings.CutPrefix(key, ns+":")
}
