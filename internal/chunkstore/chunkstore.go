package chunkstore

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/pierrec/lz4/v4"

	"github.com/indexedcp/indexcp/internal/storage"
)

// BufferedChunk is one staged piece of a source file, held until the server
// confirms durable receipt.
type BufferedChunk struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	Index    int    `json:"index"`
	Data     []byte `json:"-"`
}

// Store is the durable client-side staging area for chunks of files not yet
// confirmed delivered. Keys order by file name, then index, so iteration
// yields chunks in upload order.
type Store struct {
	db *storage.DB
}

const keyPrefix = "chunk:"

// indexWidth zero-pads chunk indices so lexicographic key order matches
// numeric index order.
const indexWidth = 10

func Open(path string) (*Store, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func chunkKey(fileName string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%0*d", keyPrefix, fileName, indexWidth, index))
}

// ChunkID derives the deterministic identifier for a (file, index) pair.
func ChunkID(fileName string, index int) string {
	return fmt.Sprintf("%s-%d", fileName, index)
}

// Put stages a chunk. It is an idempotent upsert: re-splitting the same file
// after a crash overwrites identical rows harmlessly.
func (s *Store) Put(fileName string, index int, data []byte) error {
	compressed, err := compress(data)
	if err != nil {
		return &storage.StorageError{Op: "compress chunk", Err: err}
	}
	return s.db.Update("put chunk", func(txn *badger.Txn) error {
		return txn.Set(chunkKey(fileName, index), compressed)
	})
}

// ListByFile returns every staged chunk of fileName in ascending index order.
func (s *Store) ListByFile(fileName string) ([]BufferedChunk, error) {
	var chunks []BufferedChunk
	prefix := []byte(keyPrefix + fileName + ":")
	err := s.db.View("list chunks", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name, suffix, err := splitKey(item.Key())
			if err != nil {
				return err
			}
			// The prefix scan can overmatch when another buffered file's
			// name extends this one past a ':'.
			if name != fileName {
				continue
			}
			index, err := strconv.Atoi(suffix)
			if err != nil {
				return err
			}
			var data []byte
			err = item.Value(func(val []byte) error {
				data, err = decompress(val)
				return err
			})
			if err != nil {
				return err
			}
			chunks = append(chunks, BufferedChunk{
				ID:       ChunkID(fileName, index),
				FileName: fileName,
				Index:    index,
				Data:     data,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// Delete removes a staged chunk. Deleting an absent chunk is not an error.
func (s *Store) Delete(fileName string, index int) error {
	return s.db.Update("delete chunk", func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(fileName, index))
	})
}

// FileNames returns the distinct file names currently staged, sorted.
func (s *Store) FileNames() ([]string, error) {
	var names []string
	err := s.db.View("list file names", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var last string
		for it.Rewind(); it.Valid(); it.Next() {
			name, err := fileNameFromKey(it.Item().Key())
			if err != nil {
				return err
			}
			if name != last {
				names = append(names, name)
				last = name
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Clear drops every staged chunk.
func (s *Store) Clear() error {
	return s.db.DropAll()
}

// Keys have the form "chunk:<file name>:<zero-padded index>". The index
// suffix is fixed-width, so file names containing ':' parse correctly.
func splitKey(key []byte) (string, string, error) {
	k := string(key)
	if len(k) < len(keyPrefix)+indexWidth+1 {
		return "", "", fmt.Errorf("malformed chunk key %q", k)
	}
	name := k[len(keyPrefix) : len(k)-indexWidth-1]
	return name, k[len(k)-indexWidth:], nil
}

func fileNameFromKey(key []byte) (string, error) {
	name, _, err := splitKey(key)
	return name, err
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return out, nil
}
