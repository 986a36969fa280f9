package envelope

import (
	"crypto/sha256"
	"fmt"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
	"github.com/vaultdisk/vaultdisk/pkg/chunkcrypt"
	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

// Sealed is a chunk ready to be (or already) persisted: the exact bytes that
// go into the blob store under hex(Address).
type Sealed struct {
	Address chunkaddr.Address
	File    []byte
}

// KeyFunc derives the AEAD key to use for a chunk from its framed
// plaintext's hash. For non-intro chunks this is
// chunkcrypt.DeriveChunkKey(repoSecret, plaintextHash); for the intro chunk
// it is the constant k_i = chunkcrypt.DeriveIntroKey(unlockKey), which
// ignores plaintextHash entirely. Seal cannot take a precomputed key
// directly: k_c depends on plaintextHash, which is only known once Frame
// has decided whether to compress, so the derivation has to happen inside
// Seal/Open after framing.
type KeyFunc func(plaintextHash [32]byte) []byte

// StaticKey returns a KeyFunc that ignores plaintextHash and always returns
// key, for intro chunks keyed by k_i.
func StaticKey(key []byte) KeyFunc {
	return func([32]byte) []byte { return key }
}

// ChunkKey returns a KeyFunc that derives k_c = KDF(repoSecret,
// plaintextHash) for every non-intro chunk.
func ChunkKey(repoSecret []byte) KeyFunc {
	return func(plaintextHash [32]byte) []byte {
		return chunkcrypt.DeriveChunkKey(repoSecret, plaintextHash)
	}
}

// Seal frames, optionally compresses, and encrypts body into a chunk file.
//
// The stored file is plaintextHash (32 bytes, cleartext) followed by the
// AEAD ciphertext of the envelope. The cleartext hash prefix exists because
// both the encryption key and the nonce are derived from the plaintext's own
// hash (so that identical plaintexts always produce identical ciphertexts,
// which is what makes content addressing dedup-friendly) -- a reader has
// only the chunk's address (hash of the file) before decrypting, so the
// hash needed to derive the key has to travel alongside the ciphertext
// rather than be recoverable from it.
func Seal(kind Kind, body []byte, compress bool, keyFn KeyFunc) (Sealed, error) {
	plaintext := Frame(kind, body, compress)
	plaintextHash := sha256.Sum256(plaintext)
	key := keyFn(plaintextHash)

	ciphertext, err := chunkcrypt.Seal(key, plaintextHash, plaintext)
	if err != nil {
		return Sealed{}, fmt.Errorf("envelope: seal: %w", err)
	}

	file := make([]byte, 0, len(plaintextHash)+len(ciphertext))
	file = append(file, plaintextHash[:]...)
	file = append(file, ciphertext...)

	return Sealed{
		Address: chunkaddr.Of(file),
		File:    file,
	}, nil
}

// Open verifies file against its claimed address, decrypts it with the key
// keyFn derives from the cleartext plaintext-hash prefix, and returns the
// unframed, decompressed body.
func Open(file []byte, address chunkaddr.Address, keyFn KeyFunc) (kind Kind, body []byte, err error) {
	if chunkaddr.Of(file) != address {
		return 0, nil, fmt.Errorf("%w: address mismatch for %s", vderrors.ErrCorruptedChunk, address)
	}
	if len(file) < sha256.Size {
		return 0, nil, fmt.Errorf("%w: file shorter than hash prefix", vderrors.ErrCorruptedChunk)
	}

	var plaintextHash [sha256.Size]byte
	copy(plaintextHash[:], file[:sha256.Size])
	ciphertext := file[sha256.Size:]
	key := keyFn(plaintextHash)

	plaintext, err := chunkcrypt.Open(key, plaintextHash, ciphertext)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: decrypt %s: %v", vderrors.ErrCorruptedChunk, address, err)
	}
	if sha256.Sum256(plaintext) != plaintextHash {
		return 0, nil, fmt.Errorf("%w: plaintext hash mismatch for %s", vderrors.ErrCorruptedChunk, address)
	}

	kind, body, err = Unframe(plaintext)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s: %v", vderrors.ErrCorruptedChunk, address, err)
	}
	return kind, body, nil
}
