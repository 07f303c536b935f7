// badger.go -- Embedded Backend on BadgerDB with native TTL.
//
// Optional replacement for MemoryStore (STORE_FALLBACK=badger). Expiry is
// handled by badger itself, so there is no sweep goroutine. Runs in memory
// when dir is empty, on disk otherwise.
//
// Layout (NUL separated):
//
//	s <key>                 string value
//	k <key>                 type marker for sorted sets and sets, carries the key TTL
//	z <key> <score> <member> sorted-set entry, score is 8 bytes big-endian with the sign bit flipped
//	i <key> <member>        sorted-set member index, value is the encoded score
//	m <key> <member>        set member
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const badgerTxnRetries = 5

// BadgerStore implements Backend on top of an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

var _ Backend = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) a badger database at dir.
// An empty dir opens a purely in-memory instance.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Name() string { return "badger" }

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return ErrBackendClosed
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// --- Key encoding ---

func strKey(key string) []byte  { return []byte("s\x00" + key) }
func metaKey(key string) []byte { return []byte("k\x00" + key) }
func zPrefix(key string) []byte { return []byte("z\x00" + key + "\x00") }
func idxPrefix(key string) []byte {
	return []byte("i\x00" + key + "\x00")
}
func setPrefix(key string) []byte { return []byte("m\x00" + key + "\x00") }

func encodeScore(score int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(score)^(1<<63))
	return b
}

func decodeScore(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func zEntryKey(key string, score int64, member string) []byte {
	k := zPrefix(key)
	k = append(k, encodeScore(score)...)
	return append(k, member...)
}

// deadline converts a TTL into badger's unix-seconds expiry, rounding up so
// a record never disappears before its TTL.
func deadline(ttl time.Duration) uint64 {
	at := time.Now().Add(ttl)
	secs := at.Unix()
	if at.Nanosecond() > 0 {
		secs++
	}
	return uint64(secs)
}

// --- Txn helpers ---

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range badgerTxnRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func setEntry(txn *badger.Txn, key, value []byte, expiresAt uint64) error {
	e := badger.NewEntry(key, value)
	e.ExpiresAt = expiresAt
	return txn.SetEntry(e)
}

// kv is a copied key/value pair collected during iteration.
type kv struct {
	key, value []byte
}

// collect copies every entry under prefix, starting at seek (or prefix if nil).
// stop, when non-nil, ends the scan early.
func collect(txn *badger.Txn, prefix, seek []byte, withValues bool, stop func(key []byte) bool) ([]kv, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = withValues
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	if seek == nil {
		seek = prefix
	}
	var out []kv
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if stop != nil && stop(k) {
			break
		}
		pair := kv{key: k}
		if withValues {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return nil, err
			}
			pair.value = v
		}
		out = append(out, pair)
	}
	return out, nil
}

func countPrefix(txn *badger.Txn, prefix []byte) (int64, error) {
	entries, err := collect(txn, prefix, nil, false, nil)
	return int64(len(entries)), err
}

// metaExpiry returns the TTL recorded on the type marker, 0 if none.
func metaExpiry(txn *badger.Txn, key string) (uint64, bool, error) {
	item, err := txn.Get(metaKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return item.ExpiresAt(), true, nil
}

// deleteAll removes every record that belongs to key.
func deleteAll(txn *badger.Txn, key string) error {
	for _, k := range [][]byte{strKey(key), metaKey(key)} {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	for _, prefix := range [][]byte{zPrefix(key), idxPrefix(key), setPrefix(key)} {
		entries, err := collect(txn, prefix, nil, false, nil)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := txn.Delete(e.key); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Sorted sets ---

func (s *BadgerStore) ZAdd(_ context.Context, key string, score int64, member string) error {
	err := s.update(func(txn *badger.Txn) error {
		exp, _, err := metaExpiry(txn, key)
		if err != nil {
			return err
		}
		idx := append(idxPrefix(key), member...)
		item, err := txn.Get(idx)
		switch {
		case err == nil:
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(zEntryKey(key, decodeScore(old), member)); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := setEntry(txn, metaKey(key), []byte{'z'}, exp); err != nil {
			return err
		}
		if err := setEntry(txn, idx, encodeScore(score), exp); err != nil {
			return err
		}
		return setEntry(txn, zEntryKey(key, score, member), nil, exp)
	})
	if err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) ZRemRangeByScore(_ context.Context, key string, min, max int64) error {
	prefix := zPrefix(key)
	err := s.update(func(txn *badger.Txn) error {
		total, err := countPrefix(txn, prefix)
		if err != nil {
			return err
		}
		seek := append(zPrefix(key), encodeScore(min)...)
		victims, err := collect(txn, prefix, seek, false, func(k []byte) bool {
			return decodeScore(k[len(prefix):len(prefix)+8]) > max
		})
		if err != nil {
			return err
		}
		for _, v := range victims {
			member := v.key[len(prefix)+8:]
			if err := txn.Delete(v.key); err != nil {
				return err
			}
			if err := txn.Delete(append(idxPrefix(key), member...)); err != nil {
				return err
			}
		}
		if int64(len(victims)) == total {
			return txn.Delete(metaKey(key))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) ZCard(_ context.Context, key string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = countPrefix(txn, zPrefix(key))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

func (s *BadgerStore) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	prefix := zPrefix(key)
	var all []ScoredMember
	err := s.db.View(func(txn *badger.Txn) error {
		entries, err := collect(txn, prefix, nil, false, nil)
		if err != nil {
			return err
		}
		all = make([]ScoredMember, 0, len(entries))
		for _, e := range entries {
			all = append(all, ScoredMember{
				Score:  decodeScore(e.key[len(prefix) : len(prefix)+8]),
				Member: string(e.key[len(prefix)+8:]),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	from, to, ok := normalizeRange(start, stop, int64(len(all)))
	if !ok {
		return nil, nil
	}
	return all[from:to], nil
}

// --- Strings ---

func (s *BadgerStore) Get(_ context.Context, key string) (string, error) {
	var out string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(strKey(key))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		out = string(v)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return out, nil
}

func (s *BadgerStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	err := s.update(func(txn *badger.Txn) error {
		if err := deleteAll(txn, key); err != nil {
			return err
		}
		var exp uint64
		if ttl > 0 {
			exp = deadline(ttl)
		}
		return setEntry(txn, strKey(key), []byte(value), exp)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Del(_ context.Context, keys ...string) error {
	err := s.update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := deleteAll(txn, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (s *BadgerStore) Incr(_ context.Context, key string) (int64, error) {
	var n int64
	err := s.update(func(txn *badger.Txn) error {
		n = 0
		var exp uint64
		item, err := txn.Get(strKey(key))
		switch {
		case err == nil:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			parsed, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return ErrNotInteger
			}
			n = parsed
			exp = item.ExpiresAt()
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		n++
		return setEntry(txn, strKey(key), []byte(strconv.FormatInt(n, 10)), exp)
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (s *BadgerStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	err := s.update(func(txn *badger.Txn) error {
		if ttl <= 0 {
			return deleteAll(txn, key)
		}
		exp := deadline(ttl)

		item, err := txn.Get(strKey(key))
		switch {
		case err == nil:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			return setEntry(txn, strKey(key), v, exp)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		meta, err := txn.Get(metaKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		marker, err := meta.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := setEntry(txn, metaKey(key), marker, exp); err != nil {
			return err
		}
		// Every entry carries the key TTL, so all of them are rewritten.
		for _, prefix := range [][]byte{zPrefix(key), idxPrefix(key), setPrefix(key)} {
			entries, err := collect(txn, prefix, nil, true, nil)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := setEntry(txn, e.key, e.value, exp); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// --- Sets ---

func (s *BadgerStore) SAdd(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	err := s.update(func(txn *badger.Txn) error {
		exp, _, err := metaExpiry(txn, key)
		if err != nil {
			return err
		}
		if err := setEntry(txn, metaKey(key), []byte{'m'}, exp); err != nil {
			return err
		}
		for _, m := range members {
			if err := setEntry(txn, append(setPrefix(key), m...), nil, exp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) SCard(_ context.Context, key string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = countPrefix(txn, setPrefix(key))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}
