package nbd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

type fakeReadAter struct {
	data []byte
	err  error
}

func (f *fakeReadAter) ReadAt(ctx context.Context, offset uint64, buf []byte) error {
	if f.err != nil {
		return f.err
	}
	copy(buf, f.data[offset:offset+uint64(len(buf))])
	return nil
}

type loopConn struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (c *loopConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *loopConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func writeRequest(buf *bytes.Buffer, cmd uint32, handle, offset uint64, length uint32) {
	var hdr [requestHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], requestMagic)
	binary.BigEndian.PutUint32(hdr[4:8], cmd)
	binary.BigEndian.PutUint64(hdr[8:16], handle)
	binary.BigEndian.PutUint64(hdr[16:24], offset)
	binary.BigEndian.PutUint32(hdr[24:28], length)
	buf.Write(hdr[:])
}

func TestServeHandlesReadThenDisconnect(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 64)
	conn := &loopConn{}
	writeRequest(&conn.in, cmdRead, 7, 8, 16)
	writeRequest(&conn.in, cmdDisconnect, 8, 0, 0)

	reader := &fakeReadAter{data: data}
	if err := Serve(context.Background(), conn, reader, nil); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	out := conn.out.Bytes()
	if len(out) != responseHeaderSize+16 {
		t.Fatalf("response length = %d, want %d", len(out), responseHeaderSize+16)
	}
	if magic := binary.BigEndian.Uint32(out[0:4]); magic != responseMagic {
		t.Fatalf("response magic = 0x%x, want 0x%x", magic, responseMagic)
	}
	if errCode := binary.BigEndian.Uint32(out[4:8]); errCode != errNone {
		t.Fatalf("response error code = %d, want 0", errCode)
	}
	if handle := binary.BigEndian.Uint64(out[8:16]); handle != 7 {
		t.Fatalf("response handle = %d, want 7", handle)
	}
	if !bytes.Equal(out[responseHeaderSize:], data[8:24]) {
		t.Fatal("response payload does not match the requested range")
	}
}

func TestServeReturnsErrorResponseOnReadFailure(t *testing.T) {
	conn := &loopConn{}
	writeRequest(&conn.in, cmdRead, 1, 0, 4)
	writeRequest(&conn.in, cmdDisconnect, 2, 0, 0)

	reader := &fakeReadAter{err: vderrors.ErrNotFound}
	if err := Serve(context.Background(), conn, reader, nil); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	out := conn.out.Bytes()
	if errCode := binary.BigEndian.Uint32(out[4:8]); errCode != errNoEnt {
		t.Fatalf("response error code = %d, want %d", errCode, errNoEnt)
	}
	if len(out) != responseHeaderSize {
		t.Fatalf("error response carries a payload: %d bytes", len(out)-responseHeaderSize)
	}
}

func TestServeAbortsOnBadMagic(t *testing.T) {
	conn := &loopConn{}
	var hdr [requestHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], 0xDEADBEEF)
	conn.in.Write(hdr[:])

	err := Serve(context.Background(), conn, &fakeReadAter{}, nil)
	if !errors.Is(err, vderrors.ErrProtocol) {
		t.Fatalf("Serve error = %v, want ErrProtocol", err)
	}
}

func TestServeAbortsOnUnknownCommand(t *testing.T) {
	conn := &loopConn{}
	writeRequest(&conn.in, 99, 1, 0, 0)

	err := Serve(context.Background(), conn, &fakeReadAter{}, nil)
	if !errors.Is(err, vderrors.ErrProtocol) {
		t.Fatalf("Serve error = %v, want ErrProtocol", err)
	}
}
