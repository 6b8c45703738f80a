// Package objectstore implements the kernel's view of the content-addressed
// blob store (spec §1, §4.7): the kernel only ever calls Put/Get on it to
// fetch a Program's bytes or stash an ObjectData payload. The store's own
// service (replication, garbage collection, multi-node placement) is
// explicitly out of scope — ipwis only needs the narrow interface below,
// backed locally by BadgerDB the way the teacher backs its resource
// service.
package objectstore

import (
	"context"
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/log"
)

// Address is a content address: the blake2b-256 hash of an object's bytes.
type Address [blake2b.Size256]byte

func (a Address) String() string {
	return fmt.Sprintf("%x", a[:])
}

// AddressOf computes the content address of data.
func AddressOf(data []byte) Address {
	return blake2b.Sum256(data)
}

// Store is the narrow contract the kernel consumes: content-addressed
// put/get over opaque blobs.
type Store interface {
	// Put stores data and returns its content address.
	Put(ctx context.Context, data []byte) (Address, error)

	// Get fetches the blob stored at addr. Fails with errs.NotFound if no
	// such object exists.
	Get(ctx context.Context, addr Address) ([]byte, error)

	Close() error
}

// BadgerStore is a Store backed by an embedded BadgerDB instance.
type BadgerStore struct {
	db     *badgerdb.DB
	logger log.Logger
}

// Open opens (or creates) a BadgerDB-backed Store rooted at dir.
func Open(dir string, logger log.Logger) (*BadgerStore, error) {
	logger = log.OrNop(logger)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.IO, "objectstore: create data dir", err)
	}

	opts := badgerdb.DefaultOptions(dir)
	opts.Logger = nil // the teacher's badgerLogger adapter is out of scope here; ipwis logs at the Store boundary instead.

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "objectstore: open badger", err)
	}

	logger.Infof("objectstore: opened badger store at %s", dir)
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Put(ctx context.Context, data []byte) (Address, error) {
	addr := AddressOf(data)

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(addr[:], data)
	})
	if err != nil {
		return Address{}, errs.Wrap(errs.IO, "objectstore: put", err)
	}
	return addr, nil
}

func (s *BadgerStore) Get(ctx context.Context, addr Address) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(addr[:])
		if err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return errs.Newf(errs.NotFound, "objectstore: object %s", addr)
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, err
		}
		return nil, errs.Wrap(errs.ProgramFetchFailed, "objectstore: get", err)
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.Wrap(errs.IO, "objectstore: close", err)
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
