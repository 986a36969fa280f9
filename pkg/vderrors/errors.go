// Package vderrors defines the error taxonomy shared by every vaultdisk
// component. Components never return bare errors for conditions a caller
// needs to branch on; they wrap one of these sentinels with fmt.Errorf and
// callers test with errors.Is.
package vderrors

import "errors"

var (
	// ErrBadArgument marks a malformed intro URL, a missing unlock key on
	// non-TTY input, or an invalid chunk-size/block-size argument.
	ErrBadArgument = errors.New("vaultdisk: bad argument")

	// ErrIO marks an underlying filesystem or socket failure.
	ErrIO = errors.New("vaultdisk: i/o error")

	// ErrNotFound marks a blob store lacking a requested address.
	ErrNotFound = errors.New("vaultdisk: chunk not found")

	// ErrCorruptedChunk marks a SHA-256 mismatch, decryption failure,
	// envelope parse failure, or unsupported envelope version.
	ErrCorruptedChunk = errors.New("vaultdisk: corrupted chunk")

	// ErrOutOfRange marks a read request outside [0, total_size).
	ErrOutOfRange = errors.New("vaultdisk: read out of range")

	// ErrProtocol marks a bad NBD magic number or an unknown command.
	ErrProtocol = errors.New("vaultdisk: protocol error")

	// ErrUnsupported marks a capability with no implementation on the
	// running platform, such as the NBD device ioctls outside Linux.
	ErrUnsupported = errors.New("vaultdisk: unsupported on this platform")
)
