package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const kvSweepInterval = time.Hour

// KV is the key-value repository with per-entry TTL, backed by badger.
// Expired entries vanish on read; a background sweep reclaims the
// value log.
type KV struct {
	db *badger.DB
}

func OpenKV(dir string) (*KV, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &KV{db: db}, nil
}

func (k *KV) Close() error {
	return k.db.Close()
}

// Set stores value under key; ttl zero means no expiry.
func (k *KV) Set(key, value string, ttl time.Duration) error {
	return k.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Get returns the value and whether the key exists (expired counts as
// absent).
func (k *KV) Get(key string) (string, bool, error) {
	var value string
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return value, true, nil
}

func (k *KV) Delete(key string) error {
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (k *KV) Exists(key string) (bool, error) {
	_, ok, err := k.Get(key)
	return ok, err
}

// TTL returns the remaining lifetime; zero duration and false when the
// key has no expiry or does not exist.
func (k *KV) TTL(key string) (time.Duration, bool, error) {
	var remaining time.Duration
	var has bool
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		if exp := item.ExpiresAt(); exp > 0 {
			left := time.Until(time.Unix(int64(exp), 0))
			if left > 0 {
				remaining = left
				has = true
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("kv ttl: %w", err)
	}
	return remaining, has, nil
}

// Expire rewrites the entry with a new ttl; returns false when the key
// is absent.
func (k *KV) Expire(key string, ttl time.Duration) (bool, error) {
	value, ok, err := k.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return true, k.Set(key, value, ttl)
}

// Keys returns every live key matching a glob-ish prefix pattern
// ("bot:stats:*" style; only a trailing * is honored).
func (k *KV) Keys(pattern string) ([]string, error) {
	prefix := pattern
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix = pattern[:n-1]
	}

	var out []string
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			if key == pattern || prefix != pattern {
				out = append(out, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return out, nil
}

// IncrBy adds delta to an integer-valued counter key and returns the
// new value. Missing keys start at zero.
func (k *KV) IncrBy(key string, delta int64) (int64, error) {
	var out int64
	err := k.db.Update(func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get([]byte(key))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				_, scanErr := fmt.Sscanf(string(val), "%d", &current)
				return scanErr
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		out = current + delta
		return txn.Set([]byte(key), []byte(fmt.Sprintf("%d", out)))
	})
	if err != nil {
		return 0, fmt.Errorf("kv incr: %w", err)
	}
	return out, nil
}

// Sweep runs the periodic value-log GC until ctx is cancelled.
func (k *KV) Sweep(ctx context.Context) {
	ticker := time.NewTicker(kvSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := k.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						log.Printf("[kv] value log gc: %v", err)
					}
					break
				}
			}
		}
	}
}
