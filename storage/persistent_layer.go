package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/eoniclabs/methodcache-go/observability"
)

var (
	valuesBucket = []byte("values")
	tagsBucket   = []byte("tags")
)

// record is the on-disk envelope: the caller's bytes plus an absolute
// expiration so CleanupExpired can reclaim stale entries without any
// external scheduler (spec.md §6 "persistent-storage adds cleanup-expired").
type record struct {
	expiresAtUnixNano int64
	value             []byte
}

func encodeRecord(r record) []byte {
	buf := make([]byte, 8+len(r.value))
	binary.BigEndian.PutUint64(buf[:8], uint64(r.expiresAtUnixNano))
	copy(buf[8:], r.value)
	return buf
}

func decodeRecord(b []byte) (record, bool) {
	if len(b) < 8 {
		return record{}, false
	}
	return record{
		expiresAtUnixNano: int64(binary.BigEndian.Uint64(b[:8])),
		value:             append([]byte(nil), b[8:]...),
	}, true
}

// PersistentLayer is the L3 durable tier (spec.md §4.4), backed by bbolt —
// a single-file, embedded, ACID key/value store with no server process,
// matching the "durable K/V" contract without pulling in an external
// database.
type PersistentLayer struct {
	db     *bbolt.DB
	logger observability.Logger
}

// NewPersistentLayer opens (creating if necessary) a bbolt database at
// path and prepares its buckets.
func NewPersistentLayer(path string, logger observability.Logger) (*PersistentLayer, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("l3-bbolt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(valuesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tagsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("l3-bbolt: prepare buckets: %w", err)
	}
	return &PersistentLayer{db: db, logger: logger}, nil
}

func (l *PersistentLayer) Name() string { return "l3-bbolt" }

func (l *PersistentLayer) Get(_ context.Context, key string) ([]byte, bool, error) {
	var rec record
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(valuesBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		r, ok := decodeRecord(raw)
		if !ok {
			return nil
		}
		rec, found = r, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("l3-bbolt get %q: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	if time.Now().UnixNano() >= rec.expiresAtUnixNano {
		// Expired but not yet swept: treat as a miss, per spec.md §3's
		// "observable iff now < expiration" invariant.
		return nil, false, nil
	}
	return rec.value, true, nil
}

func (l *PersistentLayer) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	rec := record{expiresAtUnixNano: time.Now().Add(ttl).UnixNano(), value: value}
	return l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(valuesBucket).Put([]byte(key), encodeRecord(rec)); err != nil {
			return err
		}
		tb := tx.Bucket(tagsBucket)
		for _, tag := range tags {
			if err := tb.Put(tagMemberKey(tag, key), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *PersistentLayer) Remove(_ context.Context, key string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(valuesBucket).Delete([]byte(key))
	})
}

func (l *PersistentLayer) RemoveByTag(_ context.Context, tag string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		vb := tx.Bucket(valuesBucket)
		tb := tx.Bucket(tagsBucket)
		c := tb.Cursor()
		prefix := tagPrefix(tag)
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			memberKey := k[len(prefix):]
			if err := vb.Delete(memberKey); err != nil {
				return err
			}
			if err := tb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *PersistentLayer) RemoveByPattern(_ context.Context, pattern string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		vb := tx.Bucket(valuesBucket)
		c := vb.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if matchGlob(pattern, string(k)) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := vb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *PersistentLayer) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(valuesBucket).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

func (l *PersistentLayer) Health(context.Context) Health {
	return Healthy
}

func (l *PersistentLayer) Stats(context.Context) Stats {
	return Stats{} // bbolt keeps no hit/miss counters of its own.
}

// CleanupExpired removes every record whose expiration has already passed
// (spec.md §6). bbolt has no TTL of its own, so this must be called
// periodically by a background worker.
func (l *PersistentLayer) CleanupExpired(_ context.Context) (int, error) {
	now := time.Now().UnixNano()
	removed := 0
	err := l.db.Update(func(tx *bbolt.Tx) error {
		vb := tx.Bucket(valuesBucket)
		c := vb.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, ok := decodeRecord(v)
			if !ok {
				continue
			}
			if now >= rec.expiresAtUnixNano {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := vb.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// StorageSize returns bbolt's on-disk file size.
func (l *PersistentLayer) StorageSize(context.Context) (int64, error) {
	info, err := os.Stat(l.db.Path())
	if err != nil {
		return 0, fmt.Errorf("l3-bbolt: stat %s: %w", l.db.Path(), err)
	}
	return info.Size(), nil
}

// Close releases the underlying bbolt file handle.
func (l *PersistentLayer) Close() error {
	return l.db.Close()
}

func tagPrefix(tag string) []byte { return []byte(tag + "\x00") }

func tagMemberKey(tag, key string) []byte { return append([]byte(tag+"\x00"), []byte(key)...) }

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
