// Package nbd implements the thin Network Block Device wire adapter: request
// header parsing, response header writing, and command dispatch to a
// ReadAter. The device setup ioctls live in device_linux.go and the
// attachment sequence in server.go; this file only concerns itself with the request/response byte stream once
// the device is already attached to a connected socket.
package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

const (
	requestMagic  = 0x25609513
	responseMagic = 0x67446698

	requestHeaderSize  = 28
	responseHeaderSize = 16

	// Commands used by this server.
	cmdRead       = 0
	cmdDisconnect = 2
)

// NBD error codes, from linux/nbd.h, used in response headers.
const (
	errNone    = 0
	errNoEnt   = 2 // ENOENT
	errIO      = 5 // EIO
	errInval   = 22
)

// ReadAter is the capability the adapter depends on to serve READ requests.
// *treereader.Reader satisfies it.
type ReadAter interface {
	ReadAt(ctx context.Context, offset uint64, buf []byte) error
}

type request struct {
	magic  uint32
	cmd    uint32
	handle uint64
	offset uint64
	length uint32
}

func readRequest(r io.Reader) (request, error) {
	var hdr [requestHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return request{}, err
	}
	req := request{
		magic:  binary.BigEndian.Uint32(hdr[0:4]),
		cmd:    binary.BigEndian.Uint32(hdr[4:8]),
		handle: binary.BigEndian.Uint64(hdr[8:16]),
		offset: binary.BigEndian.Uint64(hdr[16:24]),
		length: binary.BigEndian.Uint32(hdr[24:28]),
	}
	if req.magic != requestMagic {
		return request{}, fmt.Errorf("%w: bad request magic 0x%08x", vderrors.ErrProtocol, req.magic)
	}
	return req, nil
}

func writeResponse(w io.Writer, handle uint64, errCode uint32, payload []byte) error {
	var hdr [responseHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], responseMagic)
	binary.BigEndian.PutUint32(hdr[4:8], errCode)
	binary.BigEndian.PutUint64(hdr[8:16], handle)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if errCode == errNone && len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Serve reads requests off conn in a loop, dispatches READ requests to
// reader, and writes responses, until DISCONNECT, EOF, or a protocol error.
// Requests are served strictly in order: one READ is fully resolved and its
// response fully written before the next request is read.
func Serve(ctx context.Context, conn io.ReadWriter, reader ReadAter, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	for {
		req, err := readRequest(conn)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, vderrors.ErrProtocol) {
				return err
			}
			return fmt.Errorf("nbd: read request: %w", err)
		}

		switch req.cmd {
		case cmdDisconnect:
			log.Info("nbd: disconnect requested")
			return nil

		case cmdRead:
			if err := serveRead(ctx, conn, reader, req, log); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: unknown command %d", vderrors.ErrProtocol, req.cmd)
		}
	}
}

func serveRead(ctx context.Context, conn io.Writer, reader ReadAter, req request, log *logrus.Logger) error {
	buf := make([]byte, req.length)
	err := reader.ReadAt(ctx, req.offset, buf)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"offset": req.offset,
			"length": req.length,
		}).Warn("nbd: read failed")
		return writeResponse(conn, req.handle, errCodeFor(err), nil)
	}
	return writeResponse(conn, req.handle, errNone, buf)
}

func errCodeFor(err error) uint32 {
	switch {
	case errors.Is(err, vderrors.ErrNotFound), errors.Is(err, vderrors.ErrCorruptedChunk):
		return errNoEnt
	case errors.Is(err, vderrors.ErrOutOfRange), errors.Is(err, vderrors.ErrBadArgument):
		return errInval
	default:
		return errIO
	}
}
