// Package badgerdb implements the "badgerdb" protocol driver: device pages
// stored as key-value pairs in an embedded Badger database. The filename
// names the database directory. Pages are written transactionally, so the
// image survives crashes without a separate journal.
package badgerdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/grieco/vdisk/pkg/block"
)

const defaultPageSize = 64 * 1024

// Key layout: "p/" followed by the big-endian page index for data pages,
// plus a handful of fixed metadata keys.
var (
	pagePrefix  = []byte("p/")
	keySize     = []byte("meta/size")
	keyPageSize = []byte("meta/page-size")
)

// Driver is the Badger-backed protocol driver.
type Driver struct{}

type state struct {
	mu       sync.RWMutex
	db       *badger.DB
	pageSize int64
	size     int64
}

func init() {
	block.MustRegister(&Driver{})
}

// Info returns the driver's capability descriptor.
func (d *Driver) Info() block.DriverInfo {
	return block.DriverInfo{
		FormatName:    "badgerdb",
		ProtocolName:  "badgerdb",
		NeedsFilename: true,
		OptionKeys:    []string{"size", "page-size", "sync-writes"},
	}
}

func pageKey(idx int64) []byte {
	key := make([]byte, len(pagePrefix)+8)
	copy(key, pagePrefix)
	binary.BigEndian.PutUint64(key[len(pagePrefix):], uint64(idx))
	return key
}

func readMetaInt(txn *badger.Txn, key []byte) (int64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("metadata key %q has %d bytes, want 8", key, len(val))
		}
		v = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return v, true, err
}

func writeMetaInt(txn *badger.Txn, key []byte, v int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return txn.Set(key, buf)
}

// Open opens or initializes the database directory. An existing image keeps
// its persisted geometry; a fresh one requires the "size" option.
func (d *Driver) Open(ctx context.Context, n *block.Node, opts *block.Options, flags block.OpenFlag) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	syncWrites, err := opts.GetBool("sync-writes", false)
	if err != nil {
		return err
	}
	badgerOpts := badger.DefaultOptions(n.Filename()).
		WithLogger(nil).
		WithSyncWrites(syncWrites).
		WithReadOnly(flags&block.OpenReadOnly != 0)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return fmt.Errorf("failed to open badger database at %q: %w", n.Filename(), err)
	}

	s := &state{db: db}
	err = db.View(func(txn *badger.Txn) error {
		var ok bool
		if s.size, ok, err = readMetaInt(txn, keySize); err != nil || !ok {
			return err
		}
		s.pageSize, _, err = readMetaInt(txn, keyPageSize)
		return err
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to read image metadata: %w", err)
	}

	if s.pageSize == 0 {
		// Fresh image: geometry comes from the options and is persisted.
		size, err := opts.GetInt64("size", 0)
		if err != nil {
			_ = db.Close()
			return err
		}
		if size <= 0 {
			_ = db.Close()
			return fmt.Errorf("badgerdb driver requires a positive size for a new image: %w", block.ErrInvalidOption)
		}
		pageSize, err := opts.GetInt64("page-size", defaultPageSize)
		if err != nil {
			_ = db.Close()
			return err
		}
		if pageSize <= 0 {
			_ = db.Close()
			return fmt.Errorf("page-size must be positive: %w", block.ErrInvalidOption)
		}
		s.size, s.pageSize = size, pageSize
		if flags&block.OpenReadOnly == 0 {
			err = db.Update(func(txn *badger.Txn) error {
				if err := writeMetaInt(txn, keySize, size); err != nil {
					return err
				}
				return writeMetaInt(txn, keyPageSize, pageSize)
			})
			if err != nil {
				_ = db.Close()
				return fmt.Errorf("failed to persist image metadata: %w", err)
			}
		}
	}

	n.SetDriverState(s)
	return nil
}

// Close closes the database.
func (d *Driver) Close(n *block.Node) {
	s := n.DriverState().(*state)
	_ = s.db.Close()
}

func (s *state) checkRange(op string, off, count int64) error {
	if off < 0 || count < 0 || off+count > s.size {
		return block.NewIOError(op, block.EINVAL,
			fmt.Errorf("range [%d, %d) outside device of size %d", off, off+count, s.size))
	}
	return nil
}

func (d *Driver) ReadAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := qiov.Size()
	if err := s.checkRange("read", off, count); err != nil {
		return 0, err
	}

	buf := make([]byte, count)
	err := s.db.View(func(txn *badger.Txn) error {
		for pos := int64(0); pos < count; {
			idx := (off + pos) / s.pageSize
			inPage := (off + pos) % s.pageSize
			step := minInt64(s.pageSize-inPage, count-pos)

			item, err := txn.Get(pageKey(idx))
			if err == nil {
				err = item.Value(func(page []byte) error {
					copy(buf[pos:pos+step], page[inPage:inPage+step])
					return nil
				})
			}
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			pos += step
		}
		return nil
	})
	if err != nil {
		return 0, block.NewIOError("read", block.EIO, err)
	}
	qiov.CopyFrom(buf)
	return count, nil
}

func (d *Driver) WriteAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	count := qiov.Size()
	if err := s.checkRange("write", off, count); err != nil {
		return 0, err
	}

	buf := qiov.Flatten()
	err := s.db.Update(func(txn *badger.Txn) error {
		for pos := int64(0); pos < count; {
			idx := (off + pos) / s.pageSize
			inPage := (off + pos) % s.pageSize
			step := minInt64(s.pageSize-inPage, count-pos)

			page := make([]byte, s.pageSize)
			item, err := txn.Get(pageKey(idx))
			if err == nil {
				err = item.Value(func(old []byte) error {
					copy(page, old)
					return nil
				})
			}
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			copy(page[inPage:inPage+step], buf[pos:pos+step])
			if err := txn.Set(pageKey(idx), page); err != nil {
				return err
			}
			pos += step
		}
		return nil
	})
	if err != nil {
		return 0, block.NewIOError("write", block.EIO, err)
	}
	return count, nil
}

// Discard deletes fully covered pages and zeroes partial ones.
func (d *Driver) Discard(ctx context.Context, n *block.Node, off, count int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange("discard", off, count); err != nil {
		return err
	}
	if err := s.zeroRangeLocked(off, count); err != nil {
		return block.NewIOError("discard", block.EIO, err)
	}
	return nil
}

// WriteZeroes deallocates fully covered pages; unallocated pages already
// read as zeroes.
func (d *Driver) WriteZeroes(ctx context.Context, n *block.Node, off, count int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange("write-zeroes", off, count); err != nil {
		return err
	}
	if err := s.zeroRangeLocked(off, count); err != nil {
		return block.NewIOError("write-zeroes", block.EIO, err)
	}
	return nil
}

func (s *state) zeroRangeLocked(off, count int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for pos := int64(0); pos < count; {
			idx := (off + pos) / s.pageSize
			inPage := (off + pos) % s.pageSize
			step := minInt64(s.pageSize-inPage, count-pos)

			if step == s.pageSize {
				if err := txn.Delete(pageKey(idx)); err != nil {
					return err
				}
				pos += step
				continue
			}

			item, err := txn.Get(pageKey(idx))
			if errors.Is(err, badger.ErrKeyNotFound) {
				pos += step
				continue
			}
			if err != nil {
				return err
			}
			page := make([]byte, s.pageSize)
			if err := item.Value(func(old []byte) error {
				copy(page, old)
				return nil
			}); err != nil {
				return err
			}
			for i := inPage; i < inPage+step; i++ {
				page[i] = 0
			}
			if err := txn.Set(pageKey(idx), page); err != nil {
				return err
			}
			pos += step
		}
		return nil
	})
}

// Flush forces all committed writes to disk.
func (d *Driver) Flush(ctx context.Context, n *block.Node) error {
	s := n.DriverState().(*state)
	if err := s.db.Sync(); err != nil {
		return block.NewIOError("flush", block.EIO, err)
	}
	return nil
}

func (d *Driver) Truncate(ctx context.Context, n *block.Node, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if size < s.size {
			firstDropped := (size + s.pageSize - 1) / s.pageSize
			it := txn.NewIterator(badger.IteratorOptions{Prefix: pagePrefix})
			defer it.Close()
			var stale [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				key := it.Item().KeyCopy(nil)
				idx := int64(binary.BigEndian.Uint64(key[len(pagePrefix):]))
				if idx >= firstDropped {
					stale = append(stale, key)
				}
			}
			for _, key := range stale {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		return writeMetaInt(txn, keySize, size)
	})
	if err != nil {
		return block.NewIOError("truncate", block.EIO, err)
	}
	s.size = size
	return nil
}

func (d *Driver) Length(ctx context.Context, n *block.Node) (int64, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}

func (d *Driver) AllocatedFileSize(ctx context.Context, n *block.Node) (int64, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pages int64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: pagePrefix, PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			pages++
		}
		return nil
	})
	if err != nil {
		return 0, block.NewIOError("allocated-file-size", block.EIO, err)
	}
	return pages * s.pageSize, nil
}

func (d *Driver) BlockStatus(ctx context.Context, n *block.Node, off, count int64) (block.AllocStatus, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkRange("get-block-status", off, count); err != nil {
		return block.AllocStatus{}, err
	}

	first := off / s.pageSize
	var allocated bool
	length := s.pageSize - off%s.pageSize
	err := s.db.View(func(txn *badger.Txn) error {
		has := func(idx int64) (bool, error) {
			_, err := txn.Get(pageKey(idx))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return false, nil
			}
			return err == nil, err
		}
		var err error
		if allocated, err = has(first); err != nil {
			return err
		}
		for next := first + 1; length < count; next++ {
			ok, err := has(next)
			if err != nil {
				return err
			}
			if ok != allocated {
				break
			}
			length += s.pageSize
		}
		return nil
	})
	if err != nil {
		return block.AllocStatus{}, block.NewIOError("get-block-status", block.EIO, err)
	}
	return block.AllocStatus{
		Allocated: allocated,
		Zero:      !allocated,
		Length:    minInt64(length, count),
		Node:      n,
	}, nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
