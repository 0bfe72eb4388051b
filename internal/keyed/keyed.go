// Package keyed provides the low-latency keyed store backing pattern
// dedup counters, per-day rate counters, and timer-generation tokens.
// It wraps BadgerDB and exposes exactly the primitives the rest of the
// core is allowed to rely on: atomic increment, compare-and-swap, and
// TTL-based expiry.
//
// Every read-modify-write in the system that touches shared keyed state
// goes through this package as a single atomic operation. Check-then-act
// sequences on raw storage are not available by construction.
package keyed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/normanking/majordomo/internal/logging"
)

// ErrRaceConflict is returned when a compare-and-swap loses a race after
// the configured retry budget. Callers surface it as a transient failure.
var ErrRaceConflict = errors.New("keyed: compare-and-swap conflict")

// ErrNotFound is returned when a key has no value (or the value expired).
var ErrNotFound = errors.New("keyed: key not found")

// Options configures the store.
type Options struct {
	// Dir is the on-disk location. Empty means in-memory (tests).
	Dir string
	// CASRetries bounds retries when transactions conflict.
	CASRetries int
	// CASBackoff is the base backoff between retries; attempt n waits
	// n*CASBackoff.
	CASBackoff time.Duration
}

// Store is the badger-backed keyed store. Opened eagerly at startup —
// never lazily on first use.
type Store struct {
	db   *badger.DB
	opts Options
	log  zerolog.Logger
}

// Open creates or opens the store.
func Open(opts Options) (*Store, error) {
	if opts.CASRetries < 1 {
		opts.CASRetries = 1
	}
	if opts.CASBackoff <= 0 {
		opts.CASBackoff = 10 * time.Millisecond
	}

	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open keyed store: %w", err)
	}
	return &Store{db: db, opts: opts, log: logging.Component("keyed")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Incr atomically increments the counter at key and returns the new
// value. A missing key counts as zero. An optional TTL (first write
// wins) lets per-day counters expire on their own.
func (s *Store) Incr(key string, ttl time.Duration) (uint64, error) {
	var result uint64
	err := s.retryOnConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			current, expiresAt, err := readCounter(txn, key)
			if err != nil {
				return err
			}
			result = current + 1

			entry := badger.NewEntry([]byte(key), encodeCounter(result))
			switch {
			case expiresAt > 0:
				// Preserve the original expiry so a busy counter cannot
				// refresh itself forever.
				entry.ExpiresAt = expiresAt
			case ttl > 0:
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		})
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Counter returns the current counter value at key, or zero when absent.
func (s *Store) Counter(key string) (uint64, error) {
	var result uint64
	err := s.db.View(func(txn *badger.Txn) error {
		current, _, err := readCounter(txn, key)
		result = current
		return err
	})
	return result, err
}

// CompareAndSwap replaces the value at key with next only if the stored
// value equals expected. An empty expected means "key must be absent".
// Returns ErrRaceConflict when the comparison fails or the transaction
// repeatedly conflicts.
func (s *Store) CompareAndSwap(key string, expected, next []byte, ttl time.Duration) error {
	return s.retryOnConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				if len(expected) != 0 {
					return ErrRaceConflict
				}
			case err != nil:
				return fmt.Errorf("cas read %q: %w", key, err)
			default:
				current, err := item.ValueCopy(nil)
				if err != nil {
					return fmt.Errorf("cas value %q: %w", key, err)
				}
				if string(current) != string(expected) {
					return ErrRaceConflict
				}
			}

			entry := badger.NewEntry([]byte(key), next)
			if ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		})
	})
}

// Set writes a value with an optional TTL.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	return s.retryOnConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			entry := badger.NewEntry([]byte(key), value)
			if ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		})
	})
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	return s.retryOnConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key))
		})
	})
}

// Get returns the value at key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var result []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %q: %w", key, err)
		}
		result, err = item.ValueCopy(nil)
		return err
	})
	return result, err
}

// retryOnConflict retries badger transaction conflicts a bounded number
// of times with linear backoff, then surfaces ErrRaceConflict. A
// comparison failure inside CompareAndSwap is structural and is NOT
// retried here — it propagates on the first attempt.
func (s *Store) retryOnConflict(fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.opts.CASRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debug().Int("attempt", attempt).Msg("transaction conflict, retrying")
		time.Sleep(time.Duration(attempt) * s.opts.CASBackoff)
	}
	s.log.Warn().Err(err).Msg("retry budget exhausted on keyed store conflict")
	return ErrRaceConflict
}

func readCounter(txn *badger.Txn, key string) (value uint64, expiresAt uint64, err error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read counter %q: %w", key, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, 0, fmt.Errorf("counter value %q: %w", key, err)
	}
	if len(raw) != 8 {
		return 0, 0, fmt.Errorf("counter %q has malformed value (%d bytes)", key, len(raw))
	}
	return binary.BigEndian.Uint64(raw), item.ExpiresAt(), nil
}

func encodeCounter(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}
