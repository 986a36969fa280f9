// Package treewriter implements the tree construction algorithm: packing a
// byte stream into fixed-size leaf chunks, building fixed-fan-out interior
// chunks above them, pruning all-zero subtrees by reference instead of
// materializing them, and emitting the intro chunk that ties the tree to an
// unlock key. This is the write-side half of the chunk-tree engine; see
// package treereader for the read side.
package treewriter

import (
	"context"
	"fmt"
	"io"

	"github.com/vaultdisk/vaultdisk/pkg/blobstore"
	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
	"github.com/vaultdisk/vaultdisk/pkg/chunkcrypt"
	"github.com/vaultdisk/vaultdisk/pkg/envelope"
	"github.com/vaultdisk/vaultdisk/pkg/parity"
	"github.com/vaultdisk/vaultdisk/pkg/progress"
	"github.com/vaultdisk/vaultdisk/pkg/sparsesrc"
	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

// Redundancy configures the optional Reed-Solomon parity domain extension:
// every DataShards consecutive, non-pruned leaves get ParityShards parity
// chunks.
type Redundancy struct {
	DataShards   int
	ParityShards int
}

// Config configures a Writer.
type Config struct {
	Store        blobstore.Putter
	RepoKey      []byte // R, the user-supplied repository key
	UnlockKey    []byte // U, the user-supplied unlock key
	ChunkSizeExp uint8  // chunk_size exponent; S0 = 1 << ChunkSizeExp
	BlockSize    uint32
	Compress     bool
	Redundancy   *Redundancy
	Progress     progress.Reporter
}

// Writer streams a source's bytes and zero runs into a tree, writing
// finished chunks to the blob store as it advances.
type Writer struct {
	store    blobstore.Putter
	progress progress.Reporter

	repoSecret []byte
	introKey   []byte

	chunkSizeExp uint8
	s0           uint64
	fanout       uint64
	blockSize    uint32
	compress     bool

	leafBuf []byte
	layers  [][]envelope.ChildRef // layers[0] unused; layers[k] = pending refs for the layer-k interior chunk being built
	offset  uint64

	uniqueBytes int64
	reuseBytes  int64

	parityBuilder *parity.Builder
}

// New validates cfg and returns a ready Writer.
func New(cfg Config) (*Writer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: treewriter: store is required", vderrors.ErrBadArgument)
	}
	if cfg.ChunkSizeExp < 8 || cfg.ChunkSizeExp > 30 {
		return nil, fmt.Errorf("%w: treewriter: chunk size exponent %d out of range", vderrors.ErrBadArgument, cfg.ChunkSizeExp)
	}
	if cfg.BlockSize == 0 {
		return nil, fmt.Errorf("%w: treewriter: block size must be nonzero", vderrors.ErrBadArgument)
	}

	s0 := uint64(1) << cfg.ChunkSizeExp
	fanout := s0 / uint64(envelope.ChildRefSize)
	if fanout < 2 {
		return nil, fmt.Errorf("%w: treewriter: chunk size %d too small for a useful fan-out", vderrors.ErrBadArgument, s0)
	}

	rep := cfg.Progress
	if rep == nil {
		rep = progress.Null{}
	}

	w := &Writer{
		store:        cfg.Store,
		progress:     rep,
		repoSecret:   chunkcrypt.DeriveRepoSecret(cfg.RepoKey),
		introKey:     chunkcrypt.DeriveIntroKey(cfg.UnlockKey),
		chunkSizeExp: cfg.ChunkSizeExp,
		s0:           s0,
		fanout:       fanout,
		blockSize:    cfg.BlockSize,
		compress:     cfg.Compress,
		layers:       make([][]envelope.ChildRef, 2),
	}

	if cfg.Redundancy != nil {
		w.parityBuilder = parity.NewBuilder(cfg.Redundancy.DataShards, cfg.Redundancy.ParityShards, w.repoSecret, cfg.Store)
	}

	return w, nil
}

// WriteData appends data to the tree as plain bytes, splitting across leaf
// boundaries and finalizing leaves as they fill.
func (w *Writer) WriteData(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		space := w.s0 - uint64(len(w.leafBuf))
		n := uint64(len(data))
		if n > space {
			n = space
		}
		w.leafBuf = append(w.leafBuf, data[:n]...)
		data = data[n:]
		w.offset += n
		if uint64(len(w.leafBuf)) == w.s0 {
			if err := w.finalizeLeaf(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteZeroRun advances the logical offset by n bytes without materializing
// zero bytes wherever a whole aligned layer span can be pruned by
// reference. See the package doc and spec §4.3 for the ascent rule: at each
// step it prefers the largest aligned layer whose span fits in the
// remaining run, falling back to literal zero bytes only for the unaligned
// leading or trailing remainder.
func (w *Writer) WriteZeroRun(ctx context.Context, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: treewriter: negative zero run %d", vderrors.ErrBadArgument, n)
	}
	remaining := uint64(n)
	for remaining > 0 {
		if len(w.leafBuf) > 0 {
			space := w.s0 - uint64(len(w.leafBuf))
			take := remaining
			if take > space {
				take = space
			}
			w.leafBuf = append(w.leafBuf, make([]byte, take)...)
			w.offset += take
			remaining -= take
			if uint64(len(w.leafBuf)) == w.s0 {
				if err := w.finalizeLeaf(ctx); err != nil {
					return err
				}
			}
			continue
		}

		ok, layer, span := w.largestZeroSkip(remaining)
		if !ok {
			take := remaining
			if take > w.s0 {
				take = w.s0
			}
			w.leafBuf = append(w.leafBuf, make([]byte, take)...)
			w.offset += take
			remaining -= take
			continue
		}

		if err := w.pushChildRef(ctx, layer+1, envelope.ZeroRef()); err != nil {
			return err
		}
		w.offset += span
		remaining -= span
	}
	return nil
}

// largestZeroSkip returns the largest layer m (span S_m) such that the
// current offset is aligned to S_m and at least S_m bytes of the run
// remain, so that a single zero reference at layer m+1 can stand in for
// the whole span. ok is false when even a leaf-span (S0) cannot be skipped,
// meaning the caller must fall back to literal zero bytes.
func (w *Writer) largestZeroSkip(remaining uint64) (ok bool, layer int, span uint64) {
	if remaining < w.s0 || w.offset%w.s0 != 0 {
		return false, 0, 0
	}
	layer = 0
	span = w.s0
	for {
		nextSpan := span * w.fanout
		if nextSpan/w.fanout != span { // overflow
			break
		}
		if w.offset%nextSpan != 0 {
			break
		}
		if remaining < nextSpan {
			break
		}
		span = nextSpan
		layer++
	}
	return true, layer, span
}

func (w *Writer) finalizeLeaf(ctx context.Context) error {
	body := w.leafBuf
	w.leafBuf = nil

	sealed, err := envelope.Seal(envelope.KindLeaf, body, w.compress, envelope.ChunkKey(w.repoSecret))
	if err != nil {
		return fmt.Errorf("treewriter: seal leaf: %w", err)
	}
	existed, err := w.store.Put(ctx, sealed.Address, sealed.File)
	if err != nil {
		return fmt.Errorf("treewriter: put leaf %s: %w", sealed.Address, err)
	}
	w.account(envelope.KindLeaf, len(sealed.File), existed)

	if w.parityBuilder != nil {
		if err := w.parityBuilder.Add(ctx, sealed.Address, sealed.File); err != nil {
			return fmt.Errorf("treewriter: parity add for leaf %s: %w", sealed.Address, err)
		}
	}

	return w.pushChildRef(ctx, 1, envelope.ChunkRef(sealed.Address))
}

func (w *Writer) finalizeInterior(ctx context.Context, layer int) error {
	refs := w.layers[layer]
	w.layers[layer] = nil

	body := envelope.EncodeChildRefs(refs)
	sealed, err := envelope.Seal(envelope.KindInterior, body, false, envelope.ChunkKey(w.repoSecret))
	if err != nil {
		return fmt.Errorf("treewriter: seal interior layer %d: %w", layer, err)
	}
	existed, err := w.store.Put(ctx, sealed.Address, sealed.File)
	if err != nil {
		return fmt.Errorf("treewriter: put interior %s: %w", sealed.Address, err)
	}
	w.account(envelope.KindInterior, len(sealed.File), existed)

	return w.pushChildRef(ctx, layer+1, envelope.ChunkRef(sealed.Address))
}

func (w *Writer) pushChildRef(ctx context.Context, layer int, ref envelope.ChildRef) error {
	w.ensureLayer(layer)
	w.layers[layer] = append(w.layers[layer], ref)
	if uint64(len(w.layers[layer])) == w.fanout {
		return w.finalizeInterior(ctx, layer)
	}
	return nil
}

func (w *Writer) ensureLayer(layer int) {
	for len(w.layers) <= layer {
		w.layers = append(w.layers, nil)
	}
}

func (w *Writer) account(kind envelope.Kind, fileLen int, existed bool) {
	if existed {
		w.reuseBytes += int64(fileLen)
	} else {
		w.uniqueBytes += int64(fileLen)
	}
	w.progress.ChunkWritten(kind, fileLen, existed)
}

// Finalize closes out the tree: it finalizes any partial leaf exactly as
// it stands, ascends finalizing every partial interior layer up to the
// single top, builds and persists the intro chunk, and returns the intro
// chunk's address.
func (w *Writer) Finalize(ctx context.Context) (chunkaddr.Address, error) {
	if len(w.leafBuf) > 0 || w.offset == 0 {
		if err := w.finalizeLeaf(ctx); err != nil {
			return chunkaddr.Address{}, err
		}
	}

	if w.parityBuilder != nil {
		if err := w.parityBuilder.Finalize(ctx); err != nil {
			return chunkaddr.Address{}, err
		}
	}

	topAddr, layers, err := w.ascendToTop(ctx)
	if err != nil {
		return chunkaddr.Address{}, err
	}

	var groups []envelope.ParityGroup
	if w.parityBuilder != nil {
		groups = w.parityBuilder.Groups
	}

	intro := envelope.Intro{
		TotalSize:         w.offset,
		ChunkSizeExp:      w.chunkSizeExp,
		BlockSize:         w.blockSize,
		Layers:            layers,
		CompressedDefault: w.compress,
		RepoSecret:        w.repoSecret,
		TopAddress:        topAddr,
		ParityGroups:      groups,
	}
	sealed, err := envelope.Seal(envelope.KindIntro, envelope.EncodeIntro(intro), false, envelope.StaticKey(w.introKey))
	if err != nil {
		return chunkaddr.Address{}, fmt.Errorf("treewriter: seal intro: %w", err)
	}
	existed, err := w.store.Put(ctx, sealed.Address, sealed.File)
	if err != nil {
		return chunkaddr.Address{}, fmt.Errorf("treewriter: put intro %s: %w", sealed.Address, err)
	}
	w.account(envelope.KindIntro, len(sealed.File), existed)

	w.progress.Done(int64(w.offset), w.uniqueBytes, w.reuseBytes)
	return sealed.Address, nil
}

// ascendToTop finalizes every pending partial interior layer, ascending
// until exactly one layer still has pending content. If that layer holds
// exactly one reference and it is a real chunk reference (not a zero
// reference), the tree's top is that referenced chunk directly, one layer
// down (L=0 for a lone leaf) -- no wrapping interior chunk is created
// around it. Otherwise the remaining layer is itself finalized as the top
// interior chunk.
func (w *Writer) ascendToTop(ctx context.Context) (chunkaddr.Address, uint8, error) {
	for {
		nonEmpty := w.nonEmptyLayers()
		if len(nonEmpty) <= 1 {
			break
		}
		lowest := nonEmpty[0]
		if err := w.finalizeInterior(ctx, lowest); err != nil {
			return chunkaddr.Address{}, 0, err
		}
	}

	nonEmpty := w.nonEmptyLayers()
	if len(nonEmpty) == 0 {
		return chunkaddr.Address{}, 0, fmt.Errorf("treewriter: no content to finalize")
	}
	top := nonEmpty[0]
	refs := w.layers[top]

	if len(refs) == 1 && !refs[0].Zero {
		w.layers[top] = nil
		return refs[0].Address, uint8(top - 1), nil
	}

	if err := w.finalizeInterior(ctx, top); err != nil {
		return chunkaddr.Address{}, 0, err
	}
	// finalizeInterior pushed the wrapped reference one layer higher; that
	// layer now holds exactly that one reference and nothing else.
	return w.layers[top+1][0].Address, uint8(top), nil
}

func (w *Writer) nonEmptyLayers() []int {
	var out []int
	for k := 1; k < len(w.layers); k++ {
		if len(w.layers[k]) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// Run drives src into w until the source is exhausted, then finalizes the
// tree and returns the intro chunk's address. Consecutive zero sections are
// merged into one run before reaching WriteZeroRun, so a zero run longer
// than one source window can still be pruned by reference.
func Run(ctx context.Context, src sparsesrc.Source, w *Writer) (chunkaddr.Address, error) {
	var pendingZero int64
	flushZero := func() error {
		n := pendingZero
		pendingZero = 0
		return w.WriteZeroRun(ctx, n)
	}
	for {
		zero, data, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return chunkaddr.Address{}, err
		}
		switch {
		case zero != nil:
			pendingZero += zero.N
		case data != nil:
			if err := flushZero(); err != nil {
				return chunkaddr.Address{}, err
			}
			if err := w.WriteData(ctx, data.Data); err != nil {
				return chunkaddr.Address{}, err
			}
		}
	}
	if err := flushZero(); err != nil {
		return chunkaddr.Address{}, err
	}
	return w.Finalize(ctx)
}
