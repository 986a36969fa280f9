//go:build linux

package nbd

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

// ioctl request codes from linux/nbd.h. golang.org/x/sys/unix does not
// define these (they're driver-specific, not generic enough for the unix
// package); they are stable ABI and safe to hardcode.
const (
	ioctlSetSock       = 0xab00
	ioctlSetBlkSize    = 0xab01
	ioctlDoIt          = 0xab03
	ioctlClearSock     = 0xab04
	ioctlSetSizeBlocks = 0xab07
	ioctlSetFlags      = 0xab0a

	flagReadOnly = 1 << 1
)

// LinuxDevice drives the NBD device setup and teardown ioctls against an
// open /dev/nbdN file descriptor.
type LinuxDevice struct {
	f *os.File
}

// OpenDevice opens the NBD device node at path for the setup ioctls.
func OpenDevice(path string) (*LinuxDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open nbd device %s: %v", vderrors.ErrIO, path, err)
	}
	return &LinuxDevice{f: f}, nil
}

// SetSocket attaches the connected socket fd that the kernel will read
// requests from and write responses to.
func (d *LinuxDevice) SetSocket(sockFd int) error {
	return d.ioctlInt(ioctlSetSock, sockFd)
}

// SetFlags advertises the device as read-only.
func (d *LinuxDevice) SetFlags() error {
	return d.ioctlInt(ioctlSetFlags, flagReadOnly)
}

// SetBlockSize sets the device's logical block size.
func (d *LinuxDevice) SetBlockSize(size uint32) error {
	return d.ioctlInt(ioctlSetBlkSize, int(size))
}

// SetBlockCount sets the device's size in blocks.
func (d *LinuxDevice) SetBlockCount(count uint64) error {
	return d.ioctlInt(ioctlSetSizeBlocks, int(count))
}

// Run enters the kernel's blocking NBD_DO_IT call. It returns once the
// kernel disconnects the device (explicit DISCONNECT, socket close, or
// device teardown).
func (d *LinuxDevice) Run() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), ioctlDoIt, 0)
	if errno != 0 {
		return fmt.Errorf("%w: nbd do-it: %v", vderrors.ErrIO, errno)
	}
	return nil
}

// ClearSocket tears the device's socket association down and closes the
// device node.
func (d *LinuxDevice) ClearSocket() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), ioctlClearSock, 0)
	closeErr := d.f.Close()
	if errno != 0 {
		return fmt.Errorf("%w: nbd clear sock: %v", vderrors.ErrIO, errno)
	}
	return closeErr
}

func (d *LinuxDevice) ioctlInt(req uintptr, val int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(val))
	if errno != 0 {
		return fmt.Errorf("%w: nbd ioctl 0x%x: %v", vderrors.ErrIO, req, errno)
	}
	return nil
}
