// Package chunkcrypt implements the keyed derivation and AEAD sealing that
// every chunk in a vaultdisk repository is encrypted with. The scheme is
// fixed once here and must never change for chunks already written to a
// repository: the chunk envelope's version byte is the only sanctioned way
// to introduce a new scheme later.
package chunkcrypt

import (
	"crypto/hmac"
	"crypto/sha256"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of a derived per-chunk or intro encryption key.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the size of the AEAD nonce used for every seal/open.
const NonceSize = chacha20poly1305.NonceSizeX

// contextRepo and contextIntro are the fixed KDF context strings used to
// derive the repository secret and the intro key, respectively. They differ
// from each other, and their lengths (14 and 15 bytes) differ from that of
// a plaintext hash (32 bytes), so neither can equal a per-chunk KDF context.
var (
	contextRepo  = []byte("vaultdisk:repo")
	contextIntro = []byte("vaultdisk:intro")
)

// KDF derives a key from secret and context using HMAC-SHA-256. It is used
// both to derive the repository secret R' from R and to derive the per-chunk
// and intro encryption keys from R' and U respectively.
func KDF(secret, context []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(context)
	return mac.Sum(nil)
}

// DeriveRepoSecret computes R' = KDF(R, "vaultdisk:repo").
func DeriveRepoSecret(repoKey []byte) []byte {
	return KDF(repoKey, contextRepo)
}

// DeriveIntroKey computes k_i = KDF(U, "vaultdisk:intro").
func DeriveIntroKey(unlockKey []byte) []byte {
	return KDF(unlockKey, contextIntro)
}

// DeriveChunkKey computes k_c = KDF(R', plaintextHash) for a non-intro chunk.
// plaintextHash must be the sha256 of the chunk's framed plaintext.
func DeriveChunkKey(repoSecret []byte, plaintextHash [32]byte) []byte {
	return KDF(repoSecret, plaintextHash[:])
}

// DeriveNonce derives the deterministic AEAD nonce from a plaintext hash. The
// nonce is a function of content alone, which is what lets identical
// plaintexts always re-encrypt to identical ciphertexts (content-addressed
// dedup depends on this).
func DeriveNonce(plaintextHash [32]byte) []byte {
	nonce := make([]byte, NonceSize)
	if NonceSize <= len(plaintextHash) {
		copy(nonce, plaintextHash[:NonceSize])
		return nonce
	}
	// NonceSize exceeds the hash length: extend deterministically by
	// re-hashing the hash itself rather than padding with zero bytes.
	hashLen := len(plaintextHash[:])
	copy(nonce, plaintextHash[:])
	ext := sha256.Sum256(plaintextHash[:])
	copy(nonce[hashLen:], ext[:NonceSize-hashLen])
	return nonce
}

// Seal encrypts plaintext under key using the nonce derived from
// plaintextHash. It returns the AEAD ciphertext (with authentication tag
// appended, per the AEAD interface).
func Seal(key []byte, plaintextHash [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := DeriveNonce(plaintextHash)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext under key using the nonce derived from
// plaintextHash. Callers must already have verified sha256(ciphertext)
// against the expected chunk address before calling Open; Open itself only
// verifies the AEAD tag.
func Open(key []byte, plaintextHash [32]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := DeriveNonce(plaintextHash)
	return aead.Open(nil, nonce, ciphertext, nil)
}
