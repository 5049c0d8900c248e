// Package store persists messages that could not be delivered, in a
// bounded FIFO that survives restarts.
//
// Entries live in one bbolt bucket: a "count" key and one blob per entry
// under "sms_<index>", with indices kept dense from 0. Every mutation runs in
// a single transaction, so an insert or an oldest-removal is either fully
// applied or not at all.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"i4.energy/across/smsbridge/sms"
)

// DefaultCapacity is the number of messages kept before Save starts failing.
const DefaultCapacity = 20

var (
	bucketName = []byte("sms_failed")
	countKey   = []byte("count")
)

const keyPrefix = "sms_"

var (
	// ErrFull is returned by Save when the store already holds Capacity
	// messages. Nothing is written.
	ErrFull = errors.New("store: full")

	// ErrEmpty is returned by Oldest when there is nothing stored.
	ErrEmpty = errors.New("store: empty")

	// ErrCorrupt is returned when the persisted layout is inconsistent, for
	// example a missing entry below the stored count.
	ErrCorrupt = errors.New("store: corrupt entry")
)

// Overflow is a bounded, ordered, persistent message queue.
type Overflow struct {
	db       *bolt.DB
	capacity int
	logger   *slog.Logger
}

// Option configures an Overflow.
type Option func(*Overflow)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(o *Overflow) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithLogger sets the logger used for store events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Overflow) {
		if l != nil {
			o.logger = l
		}
	}
}

// Open opens or creates the store file at path.
func Open(path string, opts ...Option) (*Overflow, error) {
	o := &Overflow{
		capacity: DefaultCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	o.db = db

	n, err := o.Count()
	if err != nil {
		db.Close()
		return nil, err
	}
	o.logger.Info("Overflow store opened", "path", path, "count", n, "capacity", o.capacity)
	return o, nil
}

// Capacity returns the maximum number of stored messages.
func (o *Overflow) Capacity() int {
	return o.capacity
}

// Save appends m after the newest entry.
func (o *Overflow) Save(m sms.Message) error {
	blob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	var count uint32
	err = o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		count = readCount(b)
		if int(count) >= o.capacity {
			return ErrFull
		}
		if err := b.Put(entryKey(count), blob); err != nil {
			return err
		}
		count++
		return writeCount(b, count)
	})
	if err != nil {
		return err
	}
	o.logger.Info("Saved message to overflow store", "sender", m.Sender(), "count", count)
	return nil
}

// Oldest returns the entry at index 0 without removing it.
func (o *Overflow) Oldest() (sms.Message, error) {
	var m sms.Message
	err := o.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if readCount(b) == 0 {
			return ErrEmpty
		}
		blob := b.Get(entryKey(0))
		if blob == nil {
			return fmt.Errorf("%w: %s missing", ErrCorrupt, entryKey(0))
		}
		if err := json.Unmarshal(blob, &m); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil
	})
	return m, err
}

// DeleteOldest removes the entry at index 0 and moves every later entry
// down by one. Missing entries are skipped so the indices end up dense
// again. Deleting from an empty store is a no-op.
func (o *Overflow) DeleteOldest() error {
	var count uint32
	var missing int
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		old := readCount(b)
		if old == 0 {
			return nil
		}
		for i := uint32(1); i < old; i++ {
			blob := b.Get(entryKey(i))
			if blob == nil {
				missing++
				continue
			}
			// Get returns memory owned by the transaction; copy before Put.
			if err := b.Put(entryKey(count), append([]byte(nil), blob...)); err != nil {
				return err
			}
			count++
		}
		for i := count; i < old; i++ {
			if err := b.Delete(entryKey(i)); err != nil {
				return err
			}
		}
		return writeCount(b, count)
	})
	if err != nil {
		return err
	}
	if missing > 0 {
		o.logger.Warn("Overflow store had missing entries, compacted", "missing", missing, "count", count)
	}
	o.logger.Info("Deleted oldest message from overflow store", "count", count)
	return nil
}

// Count returns the number of stored messages.
func (o *Overflow) Count() (int, error) {
	var count uint32
	err := o.db.View(func(tx *bolt.Tx) error {
		count = readCount(tx.Bucket(bucketName))
		return nil
	})
	return int(count), err
}

// Close releases the underlying file.
func (o *Overflow) Close() error {
	return o.db.Close()
}

func entryKey(i uint32) []byte {
	return []byte(keyPrefix + strconv.FormatUint(uint64(i), 10))
}

func readCount(b *bolt.Bucket) uint32 {
	v := b.Get(countKey)
	if len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func writeCount(b *bolt.Bucket, n uint32) error {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], n)
	return b.Put(countKey, v[:])
}
