// Package sparsesrc defines the Source interface the tree writer consumes
// and a default FileSource implementation that classifies block_size-sized
// windows of a local file (or stdin) as zero runs or data runs. The tree
// writer never looks at a file descriptor directly -- it only depends on
// this narrow interface, so a smarter implementation (SEEK_HOLE/SEEK_DATA
// on platforms that support it) can be swapped in without touching it.
package sparsesrc

import (
	"bytes"
	"fmt"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// ZeroRun advances the logical offset by N bytes without materializing
// zeros.
type ZeroRun struct {
	N int64
}

// DataRun carries a run of real, non-all-zero bytes.
type DataRun struct {
	Data []byte
}

// Source yields an ordered stream of ZeroRun / DataRun sections, terminated
// by io.EOF.
type Source interface {
	// Next returns the next section, or io.EOF once the stream is
	// exhausted. Next returns either a ZeroRun or a DataRun, never both.
	Next() (zero *ZeroRun, data *DataRun, err error)
}

// FileSource reads r in fixed windowSize windows via boxo/chunker's plain
// size splitter (not the content-defined Buzhash/Rabin splitters the
// splitter package also offers, which would defeat the fixed-span alignment
// the tree writer depends on for dedup and zero-pruning), classifying an
// all-zero window as a ZeroRun and everything else as a DataRun.
type FileSource struct {
	splitter boxochunker.Splitter
}

// NewFileSource returns a Source over r, reading in windowSize-aligned
// windows. windowSize is normally the import's block_size.
func NewFileSource(r io.Reader, windowSize int) *FileSource {
	if windowSize <= 0 {
		windowSize = 4096
	}
	return &FileSource{splitter: boxochunker.NewSizeSplitter(r, int64(windowSize))}
}

// Next implements Source.
func (f *FileSource) Next() (*ZeroRun, *DataRun, error) {
	window, err := f.splitter.NextBytes()
	if err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("sparsesrc: read: %w", err)
	}
	if isAllZero(window) {
		return &ZeroRun{N: int64(len(window))}, nil, nil
	}
	return nil, &DataRun{Data: window}, nil
}

func isAllZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b)
}
