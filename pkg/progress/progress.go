// Package progress defines the out-of-core-scope collaborator the tree
// writer reports to as it persists chunks, plus a default implementation
// that writes single-line, carriage-return-updated progress to standard
// error, matching the teacher's own single-line stderr reporting style
// (internal/keyValStore's per-second operation counters).
package progress

import (
	"fmt"
	"io"

	"github.com/vaultdisk/vaultdisk/pkg/envelope"
)

// Reporter is the capability the tree writer depends on to surface
// progress without owning how it is displayed.
type Reporter interface {
	ChunkWritten(kind envelope.Kind, bytes int, reused bool)
	Done(totalBytes, uniqueBytes, reuseBytes int64)
}

// Null discards all progress events. Useful in tests and library callers
// that don't want stderr output.
type Null struct{}

func (Null) ChunkWritten(envelope.Kind, int, bool) {}
func (Null) Done(int64, int64, int64)              {}

// Stderr reports progress as a single carriage-return-updated line on w
// (normally os.Stderr).
type Stderr struct {
	w           io.Writer
	chunks      int
	uniqueBytes int64
	reuseBytes  int64
}

// NewStderr returns a Stderr reporter writing to w.
func NewStderr(w io.Writer) *Stderr {
	return &Stderr{w: w}
}

// ChunkWritten implements Reporter.
func (s *Stderr) ChunkWritten(kind envelope.Kind, bytes int, reused bool) {
	s.chunks++
	if reused {
		s.reuseBytes += int64(bytes)
	} else {
		s.uniqueBytes += int64(bytes)
	}
	fmt.Fprintf(s.w, "\rchunks=%d unique=%d reuse=%d", s.chunks, s.uniqueBytes, s.reuseBytes)
}

// Done implements Reporter, printing a final summary line.
func (s *Stderr) Done(totalBytes, uniqueBytes, reuseBytes int64) {
	fmt.Fprintf(s.w, "\rimported %d bytes: %d unique, %d reuse, %d chunks\n",
		totalBytes, uniqueBytes, reuseBytes, s.chunks)
}
