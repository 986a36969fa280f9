package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
)

// ParityGroup records one Reed-Solomon-protected window of sibling leaves:
// the ordered leaf addresses the window covers, their exact stored file
// lengths (needed to trim the zero padding Reed-Solomon's equal-shard-size
// requirement forces on variably-compressed leaves), and the parity chunk
// addresses computed over them. See the redundancy domain extension.
type ParityGroup struct {
	DataShards    uint8
	ParityShards  uint8
	LeafAddresses []chunkaddr.Address
	LeafLengths   []uint32
	ParityAddrs   []chunkaddr.Address
}

// Intro is the metadata record carried by the intro chunk: everything a
// holder of the intro URL needs to navigate and decrypt the rest of the
// tree.
type Intro struct {
	TotalSize    uint64
	ChunkSizeExp uint8
	BlockSize    uint32
	Layers       uint8
	CompressedDefault bool
	RepoSecret   []byte // R', sized by the KDF (32 bytes for HMAC-SHA-256)
	TopAddress   chunkaddr.Address
	ParityGroups []ParityGroup
}

// EncodeIntro serializes in into an intro chunk body.
func EncodeIntro(in Intro) []byte {
	var buf bytes.Buffer

	var fixed [14]byte
	binary.BigEndian.PutUint64(fixed[0:8], in.TotalSize)
	fixed[8] = in.ChunkSizeExp
	binary.BigEndian.PutUint32(fixed[9:13], in.BlockSize)
	fixed[13] = in.Layers
	buf.Write(fixed[:])

	flags := byte(0)
	if in.CompressedDefault {
		flags |= 1
	}
	buf.WriteByte(flags)

	var secretLen [2]byte
	binary.BigEndian.PutUint16(secretLen[:], uint16(len(in.RepoSecret)))
	buf.Write(secretLen[:])
	buf.Write(in.RepoSecret)

	buf.Write(in.TopAddress[:])

	var groupCount [4]byte
	binary.BigEndian.PutUint32(groupCount[:], uint32(len(in.ParityGroups)))
	buf.Write(groupCount[:])

	for _, g := range in.ParityGroups {
		buf.WriteByte(g.DataShards)
		buf.WriteByte(g.ParityShards)
		buf.WriteByte(uint8(len(g.LeafAddresses)))
		for i, a := range g.LeafAddresses {
			buf.Write(a[:])
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], g.LeafLengths[i])
			buf.Write(lenBuf[:])
		}
		for _, a := range g.ParityAddrs {
			buf.Write(a[:])
		}
	}

	return buf.Bytes()
}

// DecodeIntro parses an intro chunk body produced by EncodeIntro.
func DecodeIntro(body []byte) (Intro, error) {
	r := bytes.NewReader(body)
	var in Intro

	var fixed [14]byte
	if _, err := readFull(r, fixed[:]); err != nil {
		return Intro{}, fmt.Errorf("intro: fixed header: %w", err)
	}
	in.TotalSize = binary.BigEndian.Uint64(fixed[0:8])
	in.ChunkSizeExp = fixed[8]
	in.BlockSize = binary.BigEndian.Uint32(fixed[9:13])
	in.Layers = fixed[13]

	flags, err := r.ReadByte()
	if err != nil {
		return Intro{}, fmt.Errorf("intro: flags: %w", err)
	}
	in.CompressedDefault = flags&1 != 0

	var secretLen [2]byte
	if _, err := readFull(r, secretLen[:]); err != nil {
		return Intro{}, fmt.Errorf("intro: secret length: %w", err)
	}
	in.RepoSecret = make([]byte, binary.BigEndian.Uint16(secretLen[:]))
	if _, err := readFull(r, in.RepoSecret); err != nil {
		return Intro{}, fmt.Errorf("intro: secret: %w", err)
	}

	if _, err := readFull(r, in.TopAddress[:]); err != nil {
		return Intro{}, fmt.Errorf("intro: top address: %w", err)
	}

	var groupCount [4]byte
	if _, err := readFull(r, groupCount[:]); err != nil {
		return Intro{}, fmt.Errorf("intro: group count: %w", err)
	}
	n := binary.BigEndian.Uint32(groupCount[:])
	in.ParityGroups = make([]ParityGroup, n)
	for i := range in.ParityGroups {
		var shardCounts [3]byte
		if _, err := readFull(r, shardCounts[:]); err != nil {
			return Intro{}, fmt.Errorf("intro: group %d shard counts: %w", i, err)
		}
		g := ParityGroup{DataShards: shardCounts[0], ParityShards: shardCounts[1]}
		leafCount := shardCounts[2]
		g.LeafAddresses = make([]chunkaddr.Address, leafCount)
		g.LeafLengths = make([]uint32, leafCount)
		for j := range g.LeafAddresses {
			if _, err := readFull(r, g.LeafAddresses[j][:]); err != nil {
				return Intro{}, fmt.Errorf("intro: group %d leaf %d: %w", i, j, err)
			}
			var lenBuf [4]byte
			if _, err := readFull(r, lenBuf[:]); err != nil {
				return Intro{}, fmt.Errorf("intro: group %d leaf %d length: %w", i, j, err)
			}
			g.LeafLengths[j] = binary.BigEndian.Uint32(lenBuf[:])
		}
		g.ParityAddrs = make([]chunkaddr.Address, g.ParityShards)
		for j := range g.ParityAddrs {
			if _, err := readFull(r, g.ParityAddrs[j][:]); err != nil {
				return Intro{}, fmt.Errorf("intro: group %d parity %d: %w", i, j, err)
			}
		}
		in.ParityGroups[i] = g
	}

	return in, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}
