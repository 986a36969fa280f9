package nbd

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

// ServerConfig configures AttachAndServe's attachment of a reader to a
// kernel NBD device node.
type ServerConfig struct {
	DevicePath string
	TotalSize  uint64
	BlockSize  uint32
	Reader     ReadAter
	Log        *logrus.Logger
}

// AttachAndServe opens devicePath, creates the socketpair half the kernel
// will read/write NBD frames on, hands that half to the device via the
// setup ioctls, and runs two workers per the two-worker concurrency model:
// one blocked inside the kernel's NBD_DO_IT call, one serving requests off
// the userspace half of the socketpair. It returns once the device
// disconnects cleanly or either worker errors.
func AttachAndServe(ctx context.Context, cfg ServerConfig) error {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	if cfg.BlockSize == 0 {
		return fmt.Errorf("%w: nbd: block size must be nonzero", vderrors.ErrBadArgument)
	}

	dev, err := OpenDevice(cfg.DevicePath)
	if err != nil {
		return err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("%w: nbd: socketpair: %v", vderrors.ErrIO, err)
	}
	kernelFd, userFd := fds[0], fds[1]

	userFile := os.NewFile(uintptr(userFd), "nbd-user-sock")
	conn, err := net.FileConn(userFile)
	if err != nil {
		userFile.Close()
		unix.Close(kernelFd)
		return fmt.Errorf("%w: nbd: wrap user socket: %v", vderrors.ErrIO, err)
	}

	if err := dev.SetSocket(kernelFd); err != nil {
		conn.Close()
		return err
	}
	if err := dev.SetFlags(); err != nil {
		conn.Close()
		return err
	}
	if err := dev.SetBlockSize(cfg.BlockSize); err != nil {
		conn.Close()
		return err
	}
	if err := dev.SetBlockCount(cfg.TotalSize / uint64(cfg.BlockSize)); err != nil {
		conn.Close()
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(ctx, conn, cfg.Reader, log)
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- dev.Run()
	}()

	var result error
	select {
	case err := <-serveErr:
		result = err
	case err := <-runErr:
		result = err
	}

	conn.Close()
	if err := dev.ClearSocket(); err != nil && result == nil {
		result = err
	}
	return result
}
