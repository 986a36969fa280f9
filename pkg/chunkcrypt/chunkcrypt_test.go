package chunkcrypt

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	repoSecret := DeriveRepoSecret([]byte("repo-key"))
	plaintext := []byte("a chunk's framed plaintext")
	hash := sha256.Sum256(plaintext)
	key := DeriveChunkKey(repoSecret, hash)

	ciphertext, err := Seal(key, hash, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(key, hash, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Open() = %q, want %q", got, plaintext)
	}
}

func TestIdenticalPlaintextsProduceIdenticalCiphertext(t *testing.T) {
	repoSecret := DeriveRepoSecret([]byte("repo-key"))
	plaintext := []byte("deduplicate me")
	hash := sha256.Sum256(plaintext)
	key := DeriveChunkKey(repoSecret, hash)

	a, err := Seal(key, hash, plaintext)
	if err != nil {
		t.Fatalf("Seal a: %v", err)
	}
	b, err := Seal(key, hash, plaintext)
	if err != nil {
		t.Fatalf("Seal b: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("two seals of identical plaintext produced different ciphertexts")
	}
}

func TestWrongKeyFailsToOpen(t *testing.T) {
	plaintext := []byte("secret payload")
	hash := sha256.Sum256(plaintext)
	right := DeriveChunkKey(DeriveRepoSecret([]byte("R")), hash)
	wrong := DeriveChunkKey(DeriveRepoSecret([]byte("not R")), hash)

	ciphertext, err := Seal(right, hash, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(wrong, hash, ciphertext); err == nil {
		t.Fatal("Open succeeded with the wrong derived key")
	}
}

func TestDeriveRepoSecretAndIntroKeyDiffer(t *testing.T) {
	secret := []byte("same-underlying-key")
	repo := DeriveRepoSecret(secret)
	intro := DeriveIntroKey(secret)
	if bytes.Equal(repo, intro) {
		t.Fatal("DeriveRepoSecret and DeriveIntroKey collided on the same input")
	}
}
