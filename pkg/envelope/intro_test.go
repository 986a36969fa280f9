package envelope

import (
	"testing"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
)

func TestEncodeDecodeIntroRoundTrip(t *testing.T) {
	in := Intro{
		TotalSize:         4 * 1024 * 1024,
		ChunkSizeExp:      18,
		BlockSize:         4096,
		Layers:            1,
		CompressedDefault: true,
		RepoSecret:        []byte("thirty-two-byte-repo-secret!!!!!"),
		TopAddress:        chunkaddr.Of([]byte("top chunk")),
		ParityGroups: []ParityGroup{
			{
				DataShards:   4,
				ParityShards: 2,
				LeafAddresses: []chunkaddr.Address{
					chunkaddr.Of([]byte("leaf 0")),
					chunkaddr.Of([]byte("leaf 1")),
					chunkaddr.Of([]byte("leaf 2")),
				},
				LeafLengths: []uint32{262144, 262144, 100},
				ParityAddrs: []chunkaddr.Address{
					chunkaddr.Of([]byte("parity 0")),
					chunkaddr.Of([]byte("parity 1")),
				},
			},
		},
	}

	body := EncodeIntro(in)
	got, err := DecodeIntro(body)
	if err != nil {
		t.Fatalf("DecodeIntro: %v", err)
	}

	if got.TotalSize != in.TotalSize || got.ChunkSizeExp != in.ChunkSizeExp ||
		got.BlockSize != in.BlockSize || got.Layers != in.Layers ||
		got.CompressedDefault != in.CompressedDefault || got.TopAddress != in.TopAddress {
		t.Fatalf("scalar fields mismatch: got %+v, want %+v", got, in)
	}
	if string(got.RepoSecret) != string(in.RepoSecret) {
		t.Fatalf("RepoSecret = %q, want %q", got.RepoSecret, in.RepoSecret)
	}
	if len(got.ParityGroups) != 1 {
		t.Fatalf("got %d parity groups, want 1", len(got.ParityGroups))
	}
	g, wantG := got.ParityGroups[0], in.ParityGroups[0]
	if g.DataShards != wantG.DataShards || g.ParityShards != wantG.ParityShards {
		t.Fatalf("group shard counts = %d/%d, want %d/%d", g.DataShards, g.ParityShards, wantG.DataShards, wantG.ParityShards)
	}
	if len(g.LeafAddresses) != len(wantG.LeafAddresses) {
		t.Fatalf("got %d leaf addresses, want %d", len(g.LeafAddresses), len(wantG.LeafAddresses))
	}
	for i := range wantG.LeafAddresses {
		if g.LeafAddresses[i] != wantG.LeafAddresses[i] {
			t.Fatalf("leaf address %d mismatch", i)
		}
		if g.LeafLengths[i] != wantG.LeafLengths[i] {
			t.Fatalf("leaf length %d = %d, want %d", i, g.LeafLengths[i], wantG.LeafLengths[i])
		}
	}
	for i := range wantG.ParityAddrs {
		if g.ParityAddrs[i] != wantG.ParityAddrs[i] {
			t.Fatalf("parity address %d mismatch", i)
		}
	}
}

func TestEncodeDecodeIntroNoParityGroups(t *testing.T) {
	in := Intro{
		TotalSize:    256 * 1024,
		ChunkSizeExp: 18,
		BlockSize:    4096,
		Layers:       0,
		RepoSecret:   []byte("secret"),
		TopAddress:   chunkaddr.Of([]byte("lone leaf")),
	}
	got, err := DecodeIntro(EncodeIntro(in))
	if err != nil {
		t.Fatalf("DecodeIntro: %v", err)
	}
	if len(got.ParityGroups) != 0 {
		t.Fatalf("got %d parity groups, want 0", len(got.ParityGroups))
	}
	if got.TopAddress != in.TopAddress {
		t.Fatal("TopAddress mismatch")
	}
}

func TestDecodeIntroRejectsTruncated(t *testing.T) {
	if _, err := DecodeIntro([]byte{0x01, 0x02}); err == nil {
		t.Fatal("DecodeIntro accepted a truncated body")
	}
}
