//go:build !linux

package nbd

import "github.com/vaultdisk/vaultdisk/pkg/vderrors"

// otherDevice is the non-Linux stand-in for LinuxDevice: the NBD device
// ioctls have no portable equivalent, so every method just reports
// ErrUnsupported.
type otherDevice struct{}

// OpenDevice returns a Device whose every method reports ErrUnsupported.
func OpenDevice(path string) (Device, error) {
	return otherDevice{}, vderrors.ErrUnsupported
}

func (otherDevice) SetSocket(int) error        { return vderrors.ErrUnsupported }
func (otherDevice) SetFlags() error            { return vderrors.ErrUnsupported }
func (otherDevice) SetBlockSize(uint32) error  { return vderrors.ErrUnsupported }
func (otherDevice) SetBlockCount(uint64) error { return vderrors.ErrUnsupported }
func (otherDevice) Run() error                 { return vderrors.ErrUnsupported }
func (otherDevice) ClearSocket() error         { return vderrors.ErrUnsupported }
