package storage

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// StorageError wraps a failure of the local durable store. Callers treat it
// as terminal and never retry internally.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DB is a handle to a BadgerDB instance. Both the client-side chunk buffer
// and the server-side chunk ledger are built on it.
type DB struct {
	db *badger.DB
}

// Open opens (or creates) a BadgerDB at the given path. Writes are synced:
// every committed operation must survive a crash, or resume bookkeeping on
// either side could disagree with what is on disk.
func Open(path string) (*DB, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(true))
	if err != nil {
		return nil, &StorageError{Op: "open " + path, Err: err}
	}
	return &DB{db: db}, nil
}

// Close closes the underlying BadgerDB.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

// Update runs fn inside a read-write transaction.
func (d *DB) Update(op string, fn func(txn *badger.Txn) error) error {
	if err := d.db.Update(fn); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// View runs fn inside a read-only transaction.
func (d *DB) View(op string, fn func(txn *badger.Txn) error) error {
	if err := d.db.View(fn); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// DropAll removes every key in the store.
func (d *DB) DropAll() error {
	if err := d.db.DropAll(); err != nil {
		return &StorageError{Op: "drop all", Err: err}
	}
	return nil
}
