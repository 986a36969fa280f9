// Package blobstore defines the pluggable blob store capability that both
// the importer and the server depend on, plus a filesystem-backed and an
// HTTP-backed implementation.
package blobstore

import (
	"context"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
)

// Getter fetches a chunk by its address. It must return an error that
// wraps vderrors.ErrNotFound when the address is absent, so callers can
// branch on it with errors.Is. A Getter may follow redirects internally.
type Getter interface {
	Get(ctx context.Context, addr chunkaddr.Address) ([]byte, error)
}

// Putter persists a chunk under its address. Putting an address that is
// already present must be a safe no-op: chunks are immutable and a second
// writer observing an existing address accounts it as reuse rather than
// rewriting. Put reports existed=true when addr was already present, so the
// tree writer can do reuse accounting without a separate existence check.
type Putter interface {
	Put(ctx context.Context, addr chunkaddr.Address, data []byte) (existed bool, err error)
}

// Store is the full read/write capability the importer needs. The server
// only ever needs a Getter.
type Store interface {
	Getter
	Putter
}
