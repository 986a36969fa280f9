// Package treereader implements the read side of the chunk-tree engine:
// given an intro chunk address and an unlock key, resolve arbitrary byte
// ranges of the represented block device by descending through interior
// chunks to leaves, short-circuiting zero references without touching the
// blob store, and falling back to Reed-Solomon reconstruction when a leaf
// chunk is missing or fails to verify. See package treewriter for the
// write side this mirrors.
package treereader

import (
	"context"
	"errors"
	"fmt"

	"github.com/vaultdisk/vaultdisk/pkg/blobstore"
	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
	"github.com/vaultdisk/vaultdisk/pkg/chunkcache"
	"github.com/vaultdisk/vaultdisk/pkg/chunkcrypt"
	"github.com/vaultdisk/vaultdisk/pkg/envelope"
	"github.com/vaultdisk/vaultdisk/pkg/parity"
	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

// Reader resolves offsets within one vaultdisk tree against a blob store,
// decrypting with the repository secret recovered from the intro chunk.
type Reader struct {
	store blobstore.Getter
	cache chunkcache.Cache

	intro   envelope.Intro
	repoKey envelope.KeyFunc
	s0      uint64
	fanout  uint64
}

// Open fetches and decrypts the intro chunk at introAddr with unlockKey,
// and returns a Reader ready to serve ReadAt calls against it.
func Open(ctx context.Context, store blobstore.Getter, cache chunkcache.Cache, introAddr chunkaddr.Address, unlockKey []byte) (*Reader, error) {
	introKey := chunkcrypt.DeriveIntroKey(unlockKey)

	file, err := store.Get(ctx, introAddr)
	if err != nil {
		return nil, fmt.Errorf("treereader: fetch intro %s: %w", introAddr, err)
	}
	kind, body, err := envelope.Open(file, introAddr, envelope.StaticKey(introKey))
	if err != nil {
		return nil, fmt.Errorf("treereader: open intro %s: %w", introAddr, err)
	}
	if kind != envelope.KindIntro {
		return nil, fmt.Errorf("%w: chunk %s is not an intro chunk", vderrors.ErrProtocol, introAddr)
	}
	intro, err := envelope.DecodeIntro(body)
	if err != nil {
		return nil, fmt.Errorf("treereader: decode intro %s: %w", introAddr, err)
	}

	s0 := uint64(1) << intro.ChunkSizeExp
	fanout := s0 / uint64(envelope.ChildRefSize)

	if cache == nil {
		cache = chunkcache.NewMemoryCache(64)
	}

	return &Reader{
		store:   store,
		cache:   cache,
		intro:   intro,
		repoKey: envelope.ChunkKey(intro.RepoSecret),
		s0:      s0,
		fanout:  fanout,
	}, nil
}

// TotalSize returns the represented device's size in bytes, from the intro
// chunk.
func (r *Reader) TotalSize() uint64 { return r.intro.TotalSize }

// BlockSize returns the device's declared block size, from the intro chunk.
func (r *Reader) BlockSize() uint32 { return r.intro.BlockSize }

// ReadAt fills buf with the bytes at [offset, offset+len(buf)) of the
// represented device. A read that runs past TotalSize is an error: callers
// (the NBD server) must clamp against the advertised size first.
func (r *Reader) ReadAt(ctx context.Context, offset uint64, buf []byte) error {
	if uint64(len(buf)) == 0 {
		return nil
	}
	if offset+uint64(len(buf)) > r.intro.TotalSize {
		return fmt.Errorf("%w: read [%d,%d) past total size %d", vderrors.ErrOutOfRange, offset, offset+uint64(len(buf)), r.intro.TotalSize)
	}

	if r.intro.Layers == 0 {
		return r.readLeafRange(ctx, r.intro.TopAddress, 0, offset, buf)
	}
	return r.readInteriorRange(ctx, r.intro.TopAddress, int(r.intro.Layers), 0, offset, buf)
}

// readInteriorRange resolves buf against the span [spanStart, spanStart+S_layer)
// covered by the interior chunk at addr, descending one layer at a time.
func (r *Reader) readInteriorRange(ctx context.Context, addr chunkaddr.Address, layer int, spanStart, offset uint64, buf []byte) error {
	childSpan := r.spanOf(layer - 1)

	body, err := r.fetchBody(ctx, addr, envelope.KindInterior)
	if err != nil {
		return err
	}
	refs, err := envelope.DecodeChildRefs(body)
	if err != nil {
		return fmt.Errorf("%w: decode interior %s: %v", vderrors.ErrCorruptedChunk, addr, err)
	}

	end := offset + uint64(len(buf))
	for uint64(len(buf)) > 0 {
		idx := (offset - spanStart) / childSpan
		childStart := spanStart + idx*childSpan
		childEnd := childStart + childSpan
		if childEnd > end {
			childEnd = end
		}
		// n is this child's share of buf, counted from buf's start.
		n := childEnd - offset
		chunk := buf[:n]

		if int(idx) >= len(refs) || refs[idx].Zero {
			zero(chunk)
		} else if layer == 1 {
			if err := r.readLeafRange(ctx, refs[idx].Address, childStart, offset, chunk); err != nil {
				return err
			}
		} else {
			if err := r.readInteriorRange(ctx, refs[idx].Address, layer-1, childStart, offset, chunk); err != nil {
				return err
			}
		}

		buf = buf[n:]
		offset += n
	}
	return nil
}

// readLeafRange fills buf (covering [offset, offset+len(buf))) from the leaf
// chunk at addr, whose own span starts at leafStart.
func (r *Reader) readLeafRange(ctx context.Context, addr chunkaddr.Address, leafStart, offset uint64, buf []byte) error {
	body, err := r.fetchBody(ctx, addr, envelope.KindLeaf)
	if err != nil {
		return err
	}
	start := offset - leafStart
	end := start + uint64(len(buf))
	if end > uint64(len(body)) {
		// The leaf's stored plaintext may be shorter than S0 when it is the
		// stream's final, partial leaf; anything past it within the device's
		// declared total size is implicitly zero.
		have := uint64(0)
		if start < uint64(len(body)) {
			have = uint64(len(body)) - start
			copy(buf[:have], body[start:])
		}
		zero(buf[have:])
		return nil
	}
	copy(buf, body[start:end])
	return nil
}

// fetchBody fetches, verifies, and decrypts the chunk at addr through the
// cache, falling back to Reed-Solomon reconstruction via the intro's parity
// groups when the primary fetch fails with ErrNotFound or ErrCorruptedChunk
// and addr is covered by a recorded parity group.
func (r *Reader) fetchBody(ctx context.Context, addr chunkaddr.Address, want envelope.Kind) ([]byte, error) {
	body, err := r.cache.Fetch(ctx, addr, r.rawFetch(want))
	if err == nil {
		return body, nil
	}
	if !isRecoverable(err) {
		return nil, err
	}

	group, which, ok := r.findParityGroup(addr)
	if !ok {
		return nil, err
	}
	recovered, rerr := parity.Reconstruct(ctx, group, which, r.store)
	if rerr != nil {
		return nil, fmt.Errorf("treereader: reconstruct %s: %w (primary fetch: %v)", addr, rerr, err)
	}
	kind, body, operr := envelope.Open(recovered, addr, r.repoKey)
	if operr != nil {
		return nil, fmt.Errorf("treereader: open reconstructed %s: %w", addr, operr)
	}
	if kind != want {
		return nil, fmt.Errorf("%w: reconstructed chunk %s has kind %s, want %s", vderrors.ErrCorruptedChunk, addr, kind, want)
	}
	return body, nil
}

// rawFetch returns a chunkcache.FetchFunc for a chunk of the expected kind:
// blob store round trip plus decrypt/verify, with no parity fallback (that
// happens one layer up, in fetchBody).
func (r *Reader) rawFetch(want envelope.Kind) chunkcache.FetchFunc {
	return func(ctx context.Context, addr chunkaddr.Address) ([]byte, error) {
		file, err := r.store.Get(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("treereader: fetch %s: %w", addr, err)
		}
		kind, body, err := envelope.Open(file, addr, r.repoKey)
		if err != nil {
			return nil, err
		}
		if kind != want {
			return nil, fmt.Errorf("%w: chunk %s has kind %s, want %s", vderrors.ErrCorruptedChunk, addr, kind, want)
		}
		return body, nil
	}
}

func (r *Reader) findParityGroup(leaf chunkaddr.Address) (envelope.ParityGroup, int, bool) {
	for _, g := range r.intro.ParityGroups {
		for i, a := range g.LeafAddresses {
			if a == leaf {
				return g, i, true
			}
		}
	}
	return envelope.ParityGroup{}, 0, false
}

func isRecoverable(err error) bool {
	return errors.Is(err, vderrors.ErrNotFound) || errors.Is(err, vderrors.ErrCorruptedChunk)
}

// spanOf returns S_layer = S0 * fanout^layer, for layer >= 0.
func (r *Reader) spanOf(layer int) uint64 {
	span := r.s0
	for i := 0; i < layer; i++ {
		span *= r.fanout
	}
	return span
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
