// Package idempotency maps client-supplied idempotency keys to previously
// computed response envelopes, so a retried submission replays its original
// response byte-for-byte instead of re-running the pipeline.
//
// Entries live in an embedded BadgerDB with a native TTL: the engine promises
// replay correctness within the configured TTL only, and Badger handles
// eviction without any cleanup loop of ours.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Treystu/BMSview-sub009/internal/types"
)

// DefaultTTL is how long a stored response stays replayable.
const DefaultTTL = 24 * time.Hour

// Config holds settings for the idempotency cache.
type Config struct {
	// Path is the directory for the Badger files. Ignored when InMemory.
	Path string

	// InMemory keeps entries in RAM only. Used by tests.
	InMemory bool

	// TTL bounds how long a key replays its response. Zero means DefaultTTL.
	TTL time.Duration
}

// Entry is what gets stored per key: the verbatim response plus why it was
// produced. Response bytes are replayed exactly as stored.
type Entry struct {
	Response  json.RawMessage  `json:"response"`
	Reason    types.ReasonCode `json:"reasonCode"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Cache is the Badger-backed idempotency store. Writes are
// write-once-per-key in intent; a key collision is rare and benign, so the
// implementation is simply last-write-wins.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// New opens the cache.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("idempotency cache path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "idempotency")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl, logger: logger}, nil
}

// Get returns the stored entry for the key, or ok=false when the key is
// unknown or expired.
func (c *Cache) Get(key string) (*Entry, bool) {
	var entry Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("idempotency lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	return &entry, true
}

// Put stores the response envelope under the key with the cache TTL. The
// caller treats failures as non-fatal; they are logged here and surfaced for
// tests.
func (c *Cache) Put(key string, response json.RawMessage, reason types.ReasonCode) error {
	entry := Entry{
		Response:  response,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency entry: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		c.logger.Warn("idempotency write failed", "key", key, "error", err)
		return fmt.Errorf("failed to store idempotency entry: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// badgerLogger adapts slog to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
