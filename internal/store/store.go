// Package store provides storage backends for the consulting client.
//
// It is a small key-value layer used to keep the session list (and other
// client-side state) across restarts. An in-memory store serves tests and
// runs without a state directory; SQLite and PostgreSQL back persistent runs.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is a key-value persistence layer.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN    string
	Driver string
}

// Option defines a functional option for configuring a store.
type Option func(*Opts)

// WithSQLiteDSN selects SQLite with the given file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN selects PostgreSQL with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend chosen by the options, or an in-memory store when no DSN is set.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Debug("store.New: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	case cfg.Driver == "postgres":
		return NewPostgresStore(opts...)
	case cfg.Driver == "sqlite3":
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// InMemoryStore is a map-backed Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string][]byte)}
}

func (s *InMemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *InMemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
