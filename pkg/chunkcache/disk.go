package chunkcache

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
)

// DiskCache is the optional second cache tier described in the spec's
// domain extensions: a local, embedded, crash-safe store of already-fetched
// ciphertext bytes, so a restarted server does not re-fetch everything from
// the blob store. It stores exactly the bytes the underlying store
// returned -- still encrypted -- never the decrypted plaintext the
// in-memory cache holds, so the disk tier carries no secret-dependent
// content by itself.
//
// DiskCache implements blobstore.Getter and is meant to sit between a
// MemoryCache's FetchFunc and the real blobstore.Getter:
//
//	disk, err := OpenDiskCache(dir, remote, log)
//	mem.Fetch(ctx, addr, func(ctx context.Context, addr chunkaddr.Address) ([]byte, error) {
//	    file, err := disk.Get(ctx, addr)
//	    if err != nil { return nil, err }
//	    return decrypt(file)
//	})
type DiskCache struct {
	db     *badger.DB
	remote Getter
	log    *logrus.Logger
}

// Getter is the narrow interface DiskCache wraps; blobstore.Getter
// satisfies it.
type Getter interface {
	Get(ctx context.Context, addr chunkaddr.Address) ([]byte, error)
}

// OpenDiskCache opens (creating if needed) a Badger database at dir to back
// a DiskCache in front of remote.
func OpenDiskCache(dir string, remote Getter, log *logrus.Logger) (*DiskCache, error) {
	if log == nil {
		log = logrus.New()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("chunkcache: open disk cache at %s: %w", dir, err)
	}
	return &DiskCache{db: db, remote: remote, log: log}, nil
}

// Close releases the underlying Badger database.
func (d *DiskCache) Close() error {
	return d.db.Close()
}

// Get returns the cached bytes for addr if present, otherwise fetches them
// from remote and stores a copy before returning.
func (d *DiskCache) Get(ctx context.Context, addr chunkaddr.Address) ([]byte, error) {
	if data, ok := d.lookup(addr); ok {
		return data, nil
	}

	data, err := d.remote.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	if err := d.store(addr, data); err != nil {
		// A failed local cache write must not fail the read: the chunk was
		// fetched successfully, the disk tier is purely an optimization.
		d.log.WithError(err).WithField("address", addr).Warn("chunkcache: failed to persist to disk cache")
	}
	return data, nil
}

func (d *DiskCache) lookup(addr chunkaddr.Address) ([]byte, bool) {
	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(addr.Bytes())
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return out, true
}

func (d *DiskCache) store(addr chunkaddr.Address, data []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(addr.Bytes(), data)
	})
}
