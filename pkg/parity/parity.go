// Package parity implements the optional Reed-Solomon redundancy domain
// extension: a fixed-size window of sibling leaf chunks gets a set of
// parity chunks computed over their ciphertexts, letting the tree reader
// reconstruct a leaf whose primary chunk went missing or corrupt without
// re-running the importer. Grounded in the teacher's own
// splitIntoRSSlicesAndEncrypt (pkg/cas/encryption.go), which reaches for
// github.com/klauspost/reedsolomon for the same purpose at a finer grain
// (slices of one chunk rather than a window of sibling chunks).
package parity

import (
	"context"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/vaultdisk/vaultdisk/pkg/blobstore"
	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
	"github.com/vaultdisk/vaultdisk/pkg/envelope"
	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

// Builder accumulates a window of data-shard-many sibling leaf chunks and,
// once the window fills (or the stream ends with a short trailing window),
// emits parityShards parity chunks covering it. Leaves shorter than the
// window's longest member are zero-padded for the Reed-Solomon split only;
// LeafLengths in the resulting group records the real length to trim back
// to on reconstruction.
type Builder struct {
	dataShards, parityShards int
	repoSecret               []byte
	store                    blobstore.Putter

	pendingAddrs []chunkaddr.Address
	pendingFiles [][]byte

	Groups []envelope.ParityGroup
}

// NewBuilder returns a Builder that groups leaves into windows of
// dataShards and protects each with parityShards Reed-Solomon shards, keyed
// like any other chunk from repoSecret.
func NewBuilder(dataShards, parityShards int, repoSecret []byte, store blobstore.Putter) *Builder {
	return &Builder{
		dataShards:   dataShards,
		parityShards: parityShards,
		repoSecret:   repoSecret,
		store:        store,
	}
}

// Add records a just-finalized, non-pruned leaf's address and exact stored
// file bytes. When the window reaches dataShards members it computes and
// persists that window's parity chunks immediately.
func (b *Builder) Add(ctx context.Context, addr chunkaddr.Address, file []byte) error {
	b.pendingAddrs = append(b.pendingAddrs, addr)
	b.pendingFiles = append(b.pendingFiles, append([]byte(nil), file...))
	if len(b.pendingAddrs) == b.dataShards {
		return b.flush(ctx)
	}
	return nil
}

// Finalize flushes a short trailing window, if any leaves are still
// pending. A window of one leaf still gets a parity group.
func (b *Builder) Finalize(ctx context.Context) error {
	if len(b.pendingAddrs) == 0 {
		return nil
	}
	return b.flush(ctx)
}

func (b *Builder) flush(ctx context.Context) error {
	n := len(b.pendingAddrs)
	maxLen := 0
	for _, f := range b.pendingFiles {
		if len(f) > maxLen {
			maxLen = len(f)
		}
	}

	total := b.dataShards + b.parityShards
	shards := make([][]byte, total)
	for i := 0; i < b.dataShards; i++ {
		shards[i] = make([]byte, maxLen)
		if i < n {
			copy(shards[i], b.pendingFiles[i])
		}
	}
	for i := b.dataShards; i < total; i++ {
		shards[i] = make([]byte, maxLen)
	}

	enc, err := reedsolomon.New(b.dataShards, b.parityShards)
	if err != nil {
		return fmt.Errorf("parity: new encoder: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("parity: encode window: %w", err)
	}

	group := envelope.ParityGroup{
		DataShards:    uint8(b.dataShards),
		ParityShards:  uint8(b.parityShards),
		LeafAddresses: append([]chunkaddr.Address(nil), b.pendingAddrs...),
		LeafLengths:   make([]uint32, n),
	}
	for i, f := range b.pendingFiles {
		group.LeafLengths[i] = uint32(len(f))
	}

	keyFn := envelope.ChunkKey(b.repoSecret)
	for i := 0; i < b.parityShards; i++ {
		sealed, err := envelope.Seal(envelope.KindParity, shards[b.dataShards+i], false, keyFn)
		if err != nil {
			return fmt.Errorf("parity: seal shard %d: %w", i, err)
		}
		if _, err := b.store.Put(ctx, sealed.Address, sealed.File); err != nil {
			return fmt.Errorf("parity: put shard %d: %w", i, err)
		}
		group.ParityAddrs = append(group.ParityAddrs, sealed.Address)
	}

	b.Groups = append(b.Groups, group)
	b.pendingAddrs = nil
	b.pendingFiles = nil
	return nil
}

// Reconstruct rebuilds the stored file bytes (the exact bytes that would
// have been persisted under group.LeafAddresses[which]) by fetching its
// surviving sibling leaves and the window's parity shards and running
// Reed-Solomon reconstruction over their raw, still-encrypted bytes --
// the same bytes flush encoded the shards from. Window slots beyond the
// real leaf count (a short trailing window, logically zero-padded at
// import time) are supplied as known zero shards rather than fetched.
// The caller is responsible for decrypting the returned bytes.
func Reconstruct(ctx context.Context, group envelope.ParityGroup, which int, get blobstore.Getter) ([]byte, error) {
	total := int(group.DataShards) + int(group.ParityShards)
	shards := make([][]byte, total)

	// maxLen must match the padding flush used at encode time, which
	// zero-padded every shard up to the longest leaf file in the window --
	// recomputing it from whichever shards happen to still be fetchable
	// would undershoot it if the missing leaf was the longest one.
	maxLen := 0
	for _, n := range group.LeafLengths {
		if int(n) > maxLen {
			maxLen = int(n)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("%w: parity group for leaf %d has no recoverable shards", vderrors.ErrNotFound, which)
	}

	present := 0
	fetch := func(idx int, addr chunkaddr.Address) {
		file, err := get.Get(ctx, addr)
		if err != nil {
			return
		}
		// file is the raw stored chunk (plaintextHash || ciphertext), the
		// exact bytes flush encoded the shard from -- Reed-Solomon
		// reconstruction needs those bytes, not their decrypted body.
		shard := make([]byte, maxLen)
		copy(shard, file)
		shards[idx] = shard
		present++
	}

	realLeaves := len(group.LeafAddresses)
	for i, addr := range group.LeafAddresses {
		if i == which {
			continue
		}
		fetch(i, addr)
	}
	for i, addr := range group.ParityAddrs {
		fetch(int(group.DataShards)+i, addr)
	}

	for i := realLeaves; i < int(group.DataShards); i++ {
		shards[i] = make([]byte, maxLen)
		present++
	}

	if present < int(group.DataShards) {
		return nil, fmt.Errorf("%w: parity group insufficient shards to reconstruct leaf %d", vderrors.ErrNotFound, which)
	}

	enc, err := reedsolomon.New(int(group.DataShards), int(group.ParityShards))
	if err != nil {
		return nil, fmt.Errorf("parity: new encoder: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("%w: reconstruct leaf %d: %v", vderrors.ErrCorruptedChunk, which, err)
	}

	want := group.LeafAddresses[which]
	got := shards[which][:group.LeafLengths[which]]
	if chunkaddr.Of(got) != want {
		return nil, fmt.Errorf("%w: reconstructed leaf %d address mismatch", vderrors.ErrCorruptedChunk, which)
	}
	return got, nil
}
