package wal

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if _, err := writeFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if err := writeTrailer(&buf); err != nil {
		t.Fatalf("writeTrailer: %v", err)
	}

	r := bufio.NewReader(&buf)
	payload, sentinel, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if sentinel {
		t.Fatal("first frame should not be the sentinel")
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want hello", payload)
	}

	_, sentinel, err = readFrame(r)
	if err != nil {
		t.Fatalf("readFrame trailer: %v", err)
	}
	if !sentinel {
		t.Error("second frame should be the sentinel")
	}

	if _, _, err := readFrame(r); err != io.EOF {
		t.Errorf("expected io.EOF after trailer, got %v", err)
	}
}

func TestReadFrame_BadCRC(t *testing.T) {
	var buf bytes.Buffer
	writeFrame(&buf, []byte("hello"))
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF // flip a payload byte without touching the CRC

	r := bufio.NewReader(bytes.NewReader(corrupted))
	_, _, err := readFrame(r)
	if err != ErrBadCRC {
		t.Fatalf("expected ErrBadCRC, got %v", err)
	}
}

func TestReadFrame_TornTail(t *testing.T) {
	var buf bytes.Buffer
	writeFrame(&buf, []byte("hello world"))
	truncated := buf.Bytes()[:6] // only 6 of the 8 frame-header bytes present

	r := bufio.NewReader(bytes.NewReader(truncated))
	_, _, err := readFrame(r)
	if err != ErrTornTail {
		t.Fatalf("expected ErrTornTail, got %v", err)
	}
}

func TestWriteReadHeader_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := segmentHeader{TokenHash: 0xdeadbeef, CreatedUnixMs: 123456789}
	if err := writeHeader(&buf, h); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	got, err := readHeader(&buf)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
}

func TestReadHeader_RejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, headerSize))
	if _, err := readHeader(&buf); err != ErrCorruptHeader {
		t.Fatalf("expected ErrCorruptHeader, got %v", err)
	}
}
