package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

// FilesystemStore persists chunks as plain files named by their hex address
// under a single directory. Writes are published atomically: the chunk is
// written to a temporary file in the same directory, then hard-linked into
// its final name and the temporary unlinked. A crash between those two steps
// leaves either nothing or a complete file under the final name -- never a
// partially written one.
type FilesystemStore struct {
	dir string
	log *logrus.Logger
}

// NewFilesystemStore creates dir if needed and returns a store rooted there.
func NewFilesystemStore(dir string, log *logrus.Logger) (*FilesystemStore, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", vderrors.ErrIO, dir, err)
	}
	return &FilesystemStore{dir: dir, log: log}, nil
}

func (s *FilesystemStore) path(addr chunkaddr.Address) string {
	return filepath.Join(s.dir, addr.String())
}

// Put writes data under addr if not already present. An existing file at
// that address is left untouched -- chunks are immutable and content
// addressing guarantees the bytes are already correct. It reports
// existed=true when the chunk was already there, for the tree writer's
// reuse accounting.
func (s *FilesystemStore) Put(ctx context.Context, addr chunkaddr.Address, data []byte) (bool, error) {
	final := s.path(addr)
	if _, err := os.Stat(final); err == nil {
		s.log.WithField("address", addr).Debug("chunk already present, skipping write")
		return true, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+addr.String()+"-*")
	if err != nil {
		return false, fmt.Errorf("%w: create temp chunk: %v", vderrors.ErrIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // unlinks the temp name on every path; after a successful link the chunk stays under its final name

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("%w: write temp chunk: %v", vderrors.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("%w: sync temp chunk: %v", vderrors.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("%w: close temp chunk: %v", vderrors.ErrIO, err)
	}

	if err := os.Link(tmpName, final); err != nil {
		if os.IsExist(err) {
			// Another writer (or a concurrent import of the same content)
			// published it first; that is reuse, not a failure.
			return true, nil
		}
		return false, fmt.Errorf("%w: link chunk into place: %v", vderrors.ErrIO, err)
	}
	return false, nil
}

// Get reads the chunk stored at addr.
func (s *FilesystemStore) Get(ctx context.Context, addr chunkaddr.Address) ([]byte, error) {
	data, err := os.ReadFile(s.path(addr))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", vderrors.ErrNotFound, addr)
		}
		return nil, fmt.Errorf("%w: read %s: %v", vderrors.ErrIO, addr, err)
	}
	return data, nil
}
