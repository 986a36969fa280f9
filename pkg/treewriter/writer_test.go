package treewriter

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/vaultdisk/vaultdisk/pkg/blobstore"
	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
	"github.com/vaultdisk/vaultdisk/pkg/envelope"
	"github.com/vaultdisk/vaultdisk/pkg/sparsesrc"
)

type memStore struct {
	mu   sync.Mutex
	data map[chunkaddr.Address][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[chunkaddr.Address][]byte)}
}

func (m *memStore) Put(ctx context.Context, addr chunkaddr.Address, data []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[addr]; ok {
		return true, nil
	}
	m.data[addr] = append([]byte(nil), data...)
	return false, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type recordingReporter struct {
	written []writtenEvent
	done    bool
}

type writtenEvent struct {
	kind   envelope.Kind
	bytes  int
	reused bool
}

func (r *recordingReporter) ChunkWritten(kind envelope.Kind, bytes int, reused bool) {
	r.written = append(r.written, writtenEvent{kind, bytes, reused})
}
func (r *recordingReporter) Done(int64, int64, int64) { r.done = true }

func newWriter(t *testing.T, store blobstore.Putter, chunkSizeExp uint8, rep *recordingReporter) *Writer {
	t.Helper()
	w, err := New(Config{
		Store:        store,
		RepoKey:      []byte("repo-key"),
		UnlockKey:    []byte("unlock-key"),
		ChunkSizeExp: chunkSizeExp,
		BlockSize:    4096,
		Progress:     rep,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestLargestZeroSkipPrefersTheHighestAlignedLayer(t *testing.T) {
	store := newMemStore()
	w := newWriter(t, store, 12, &recordingReporter{}) // S0=4096, F=4096/33=124

	ok, layer, span := w.largestZeroSkip(w.s0)
	if !ok || layer != 0 || span != w.s0 {
		t.Fatalf("largestZeroSkip(s0) = (%v, %d, %d), want (true, 0, %d)", ok, layer, span, w.s0)
	}

	// Below a full leaf span, nothing can be pruned.
	if ok, _, _ := w.largestZeroSkip(w.s0 - 1); ok {
		t.Fatal("largestZeroSkip reported a skip below one leaf span")
	}
}

func TestLargestZeroSkipRequiresOffsetAlignment(t *testing.T) {
	store := newMemStore()
	w := newWriter(t, store, 12, &recordingReporter{})
	w.offset = 1 // misaligned with S0

	if ok, _, _ := w.largestZeroSkip(w.s0); ok {
		t.Fatal("largestZeroSkip reported a skip at a misaligned offset")
	}
}

func TestWriteZeroRunPrunesWithoutTouchingTheStore(t *testing.T) {
	store := newMemStore()
	w := newWriter(t, store, 12, &recordingReporter{})

	if err := w.WriteZeroRun(context.Background(), int64(w.s0)*10); err != nil {
		t.Fatalf("WriteZeroRun: %v", err)
	}
	if got := store.count(); got != 0 {
		t.Fatalf("WriteZeroRun persisted %d chunks, want 0", got)
	}
	if w.offset != w.s0*10 {
		t.Fatalf("offset = %d, want %d", w.offset, w.s0*10)
	}
}

func TestFinalizeReusesIdenticalLeavesAcrossOneWrite(t *testing.T) {
	store := newMemStore()
	rep := &recordingReporter{}
	w := newWriter(t, store, 12, rep)

	leaf := bytes.Repeat([]byte{0x7}, int(w.s0))
	if err := w.WriteData(context.Background(), leaf); err != nil {
		t.Fatalf("WriteData leaf 1: %v", err)
	}
	if err := w.WriteData(context.Background(), leaf); err != nil {
		t.Fatalf("WriteData leaf 2 (identical): %v", err)
	}
	if _, err := w.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !rep.done {
		t.Fatal("Done was never called")
	}

	var leafEvents []writtenEvent
	for _, e := range rep.written {
		if e.kind == envelope.KindLeaf {
			leafEvents = append(leafEvents, e)
		}
	}
	if len(leafEvents) != 2 {
		t.Fatalf("got %d leaf events, want 2", len(leafEvents))
	}
	if leafEvents[0].reused {
		t.Fatal("first occurrence of a leaf reported as reused")
	}
	if !leafEvents[1].reused {
		t.Fatal("identical second leaf not reported as reused")
	}
}

func TestReimportAfterZeroingOneLeafWritesNewChunksOnly(t *testing.T) {
	store := newMemStore()
	a := bytes.Repeat([]byte{0x11}, 256*1024)
	b := bytes.Repeat([]byte{0x22}, 256*1024)
	original := append(append([]byte{}, a...), b...)

	w1 := newWriter(t, store, 18, &recordingReporter{})
	src1 := sparsesrc.NewFileSource(bytes.NewReader(original), 4096)
	if _, err := Run(context.Background(), src1, w1); err != nil {
		t.Fatalf("Run (original): %v", err)
	}
	afterFirst := store.count()

	zeroed := bytes.Repeat([]byte{0x00}, 256*1024)
	modified := append(append([]byte{}, zeroed...), b...)

	w2 := newWriter(t, store, 18, &recordingReporter{})
	src2 := sparsesrc.NewFileSource(bytes.NewReader(modified), 4096)
	if _, err := Run(context.Background(), src2, w2); err != nil {
		t.Fatalf("Run (modified): %v", err)
	}
	afterSecond := store.count()

	// Leaf B is byte-identical and gets reused; the zeroed leaf, the
	// interior chunk referencing it, and the intro chunk are all new.
	if afterSecond <= afterFirst {
		t.Fatalf("second import added %d new chunks, want at least 1", afterSecond-afterFirst)
	}
}

func TestAllZeroWholeRunAscendsToASingleTopLayer(t *testing.T) {
	store := newMemStore()
	w := newWriter(t, store, 12, &recordingReporter{}) // S0=4096, F=124

	// Enough zero leaves to finalize at least one interior layer.
	if err := w.WriteZeroRun(context.Background(), int64(w.s0)*int64(w.fanout)*2); err != nil {
		t.Fatalf("WriteZeroRun: %v", err)
	}
	addr, err := w.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if addr.IsZero() {
		t.Fatal("Finalize returned a zero address for the intro chunk")
	}
}
