package tracker

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/indexedcp/indexcp/internal/storage"
)

// Tracker is the receiver's durable record of which (target file, chunk
// index) pairs have been appended. It survives process restarts, which is
// what makes resume correct across receiver crashes, not just sender crashes.
type Tracker struct {
	db *storage.DB
}

const keyPrefix = "recv:"

const indexWidth = 10

func Open(path string) (*Tracker, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	return &Tracker{db: db}, nil
}

func NewTracker(db *storage.DB) *Tracker {
	return &Tracker{db: db}
}

func (t *Tracker) Close() error {
	return t.db.Close()
}

func recordKey(filename string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%0*d", keyPrefix, filename, indexWidth, index))
}

// MarkReceived records that a chunk has been durably appended. Marking the
// same chunk twice is a no-op, not an error.
func (t *Tracker) MarkReceived(filename string, index int) error {
	return t.db.Update("mark received", func(txn *badger.Txn) error {
		return txn.Set(recordKey(filename, index), nil)
	})
}

// IsReceived reports whether a chunk has already been appended.
func (t *Tracker) IsReceived(filename string, index int) (bool, error) {
	received := false
	err := t.db.View("check received", func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(filename, index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		received = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return received, nil
}

// ReceivedSet returns every recorded chunk index for filename, ascending.
func (t *Tracker) ReceivedSet(filename string) ([]int, error) {
	indices := []int{}
	prefix := []byte(keyPrefix + filename + ":")
	err := t.db.View("list received", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if len(key) < len(keyPrefix)+indexWidth+1 {
				return fmt.Errorf("malformed ledger key %q", key)
			}
			// The prefix scan overmatches when another file's name extends
			// this one past a ':'.
			if key[len(keyPrefix):len(key)-indexWidth-1] != filename {
				continue
			}
			index, err := strconv.Atoi(key[len(key)-indexWidth:])
			if err != nil {
				return fmt.Errorf("malformed ledger key %q", key)
			}
			indices = append(indices, index)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return indices, nil
}

// Reset deletes every record for filename. Used for cleanup and tests, not
// part of a normal transfer.
func (t *Tracker) Reset(filename string) error {
	prefix := []byte(keyPrefix + filename + ":")
	return t.db.Update("reset ledger", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) < len(keyPrefix)+indexWidth+1 ||
				string(key[len(keyPrefix):len(key)-indexWidth-1]) != filename {
				continue
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetAll deletes every record for every file.
func (t *Tracker) ResetAll() error {
	return t.db.DropAll()
}
