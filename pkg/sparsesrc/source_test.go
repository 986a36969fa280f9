package sparsesrc

import (
	"bytes"
	"io"
	"testing"
)

func TestFileSourceClassifiesZeroAndDataWindows(t *testing.T) {
	window := 16
	input := append(bytes.Repeat([]byte{0x00}, window), bytes.Repeat([]byte{0xAA}, window)...)
	src := NewFileSource(bytes.NewReader(input), window)

	zero, data, err := src.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if zero == nil || data != nil || zero.N != int64(window) {
		t.Fatalf("first window = (%+v, %+v), want a %d-byte ZeroRun", zero, data, window)
	}

	zero, data, err = src.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if data == nil || zero != nil || len(data.Data) != window {
		t.Fatalf("second window = (%+v, %+v), want a %d-byte DataRun", zero, data, window)
	}
	if !bytes.Equal(data.Data, bytes.Repeat([]byte{0xAA}, window)) {
		t.Fatal("DataRun bytes do not match input")
	}

	if _, _, err := src.Next(); err != io.EOF {
		t.Fatalf("Next at end = %v, want io.EOF", err)
	}
}

func TestFileSourceHandlesShortFinalWindow(t *testing.T) {
	src := NewFileSource(bytes.NewReader([]byte{0x01, 0x02, 0x03}), 16)
	_, data, err := src.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if data == nil || len(data.Data) != 3 {
		t.Fatalf("got %+v, want a 3-byte DataRun", data)
	}
	if _, _, err := src.Next(); err != io.EOF {
		t.Fatalf("Next at end = %v, want io.EOF", err)
	}
}

func TestFileSourceEmptyInput(t *testing.T) {
	src := NewFileSource(bytes.NewReader(nil), 16)
	if _, _, err := src.Next(); err != io.EOF {
		t.Fatalf("Next on empty input = %v, want io.EOF", err)
	}
}
