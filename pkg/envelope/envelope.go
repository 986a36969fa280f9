// Package envelope defines the tagged, length-framed plaintext that every
// chunk carries before encryption, and the optional compress/decompress
// step on a chunk's body (the tree writer enables it for leaf chunks only).
package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zlib"
)

// Kind tags what a chunk's body contains.
type Kind uint8

const (
	KindLeaf Kind = iota
	KindInterior
	KindIntro
	KindParity
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindInterior:
		return "interior"
	case KindIntro:
		return "intro"
	case KindParity:
		return "parity"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Version is the only envelope framing version this package understands.
// A change to the KDF, AEAD, or framing layout must bump this and keep the
// old version decodable for as long as a repository written under it may
// still be read.
const Version = 1

const (
	flagCompressed = 1 << 0
	kindMask       = 0x70
	kindShift      = 4

	// headerSize is version(1) + flags(1) + reserved(2) + bodyLen(4).
	headerSize = 8
)

// Frame compresses body (if compress is true and compression shrinks it) and
// prepends the fixed header, returning the full envelope plaintext that gets
// hashed and encrypted by the caller.
func Frame(kind Kind, body []byte, compress bool) []byte {
	compressed := false
	encoded := body
	if compress {
		if z, err := compressZlib(body); err == nil && len(z) < len(body) {
			encoded = z
			compressed = true
		}
	}

	header := make([]byte, headerSize)
	header[0] = Version
	flags := byte(kind) << kindShift & kindMask
	if compressed {
		flags |= flagCompressed
	}
	header[1] = flags
	binary.BigEndian.PutUint32(header[4:8], uint32(len(encoded)))

	out := make([]byte, 0, headerSize+len(encoded))
	out = append(out, header...)
	out = append(out, encoded...)
	return out
}

// Unframe parses an envelope plaintext produced by Frame, decompressing the
// body if the compression flag is set. It rejects truncated or padded
// envelopes: the body must be exactly bodyLen bytes with nothing left over.
func Unframe(plaintext []byte) (kind Kind, body []byte, err error) {
	if len(plaintext) < headerSize {
		return 0, nil, fmt.Errorf("envelope: plaintext too short for header (%d bytes)", len(plaintext))
	}
	version := plaintext[0]
	if version != Version {
		return 0, nil, fmt.Errorf("envelope: unsupported version %d", version)
	}
	flags := plaintext[1]
	kind = Kind((flags & kindMask) >> kindShift)
	bodyLen := binary.BigEndian.Uint32(plaintext[4:8])

	rest := plaintext[headerSize:]
	if uint64(len(rest)) != uint64(bodyLen) {
		return 0, nil, fmt.Errorf("envelope: body length mismatch, header says %d, got %d", bodyLen, len(rest))
	}

	if flags&flagCompressed != 0 {
		body, err = decompressZlib(rest)
		if err != nil {
			return 0, nil, fmt.Errorf("envelope: decompress: %w", err)
		}
		return kind, body, nil
	}
	return kind, rest, nil
}

func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
