package envelope

import (
	"fmt"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
)

// ChildRefSize is the fixed size of a single interior child reference.
const ChildRefSize = 1 + chunkaddr.Size

const (
	refTagZero   = 0x00
	refTagChunk  = 0x01
)

// ChildRef is one entry of an interior chunk's body: either a reference to a
// stored chunk, or a zero reference standing for an unmaterialized all-zero
// subtree of the enclosing layer's span.
type ChildRef struct {
	Zero    bool
	Address chunkaddr.Address
}

// ZeroRef returns the zero child reference.
func ZeroRef() ChildRef {
	return ChildRef{Zero: true}
}

// ChunkRef returns a child reference pointing at addr.
func ChunkRef(addr chunkaddr.Address) ChildRef {
	return ChildRef{Address: addr}
}

// EncodeChildRefs serializes refs as an interior chunk body.
func EncodeChildRefs(refs []ChildRef) []byte {
	out := make([]byte, 0, len(refs)*ChildRefSize)
	for _, r := range refs {
		if r.Zero {
			out = append(out, refTagZero)
			out = append(out, chunkaddr.Zero[:]...)
			continue
		}
		out = append(out, refTagChunk)
		out = append(out, r.Address[:]...)
	}
	return out
}

// DecodeChildRefs parses an interior chunk body into child references.
func DecodeChildRefs(body []byte) ([]ChildRef, error) {
	if len(body)%ChildRefSize != 0 {
		return nil, fmt.Errorf("envelope: interior body length %d not a multiple of %d", len(body), ChildRefSize)
	}
	n := len(body) / ChildRefSize
	refs := make([]ChildRef, n)
	for i := 0; i < n; i++ {
		off := i * ChildRefSize
		tag := body[off]
		switch tag {
		case refTagZero:
			refs[i] = ChildRef{Zero: true}
		case refTagChunk:
			var addr chunkaddr.Address
			copy(addr[:], body[off+1:off+ChildRefSize])
			refs[i] = ChildRef{Address: addr}
		default:
			return nil, fmt.Errorf("envelope: unknown child reference tag 0x%02x", tag)
		}
	}
	return refs, nil
}
