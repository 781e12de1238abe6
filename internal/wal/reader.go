package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/loggate/ingestgw/internal/gwerrors"
)

// RecordIterator replays the records of one sealed segment in order, for
// the forwarder's push path.
type RecordIterator struct {
	f  *os.File
	br *bufio.Reader
}

// OpenReader opens handle for sequential replay, validating its header's
// magic, version, and token hash against the handle's tenant.
func (m *Manager) OpenReader(handle SegmentHandle) (*RecordIterator, error) {
	f, err := os.Open(handle.Path)
	if err != nil {
		return nil, gwerrors.New(gwerrors.Internal, "open segment: "+err.Error())
	}
	br := bufio.NewReader(f)
	hdr, err := readHeader(br)
	if err != nil {
		f.Close()
		return nil, gwerrors.New(gwerrors.Corrupt, err.Error())
	}
	if want, perr := parseTenantHash(handle.Token); perr == nil && hdr.TokenHash != want {
		f.Close()
		return nil, gwerrors.New(gwerrors.Corrupt, "segment header token hash mismatch")
	}
	return &RecordIterator{f: f, br: br}, nil
}

// Next returns the next record, or io.EOF once the segment (including its
// optional trailer) is exhausted. A torn tail or bad checksum also ends
// iteration early, surfaced as a CORRUPT gwerrors.Error so the forwarder can
// decide how to account for a partially readable segment.
func (it *RecordIterator) Next() (Record, error) {
	payload, sentinel, err := readFrame(it.br)
	switch err {
	case nil:
	case io.EOF:
		return Record{}, io.EOF
	case ErrTornTail, ErrBadCRC:
		return Record{}, gwerrors.New(gwerrors.Corrupt, err.Error())
	default:
		return Record{}, gwerrors.New(gwerrors.Internal, err.Error())
	}
	if sentinel {
		return Record{}, io.EOF
	}
	rec, derr := DecodeRecord(payload)
	if derr != nil {
		return Record{}, gwerrors.New(gwerrors.Corrupt, "decode record: "+derr.Error())
	}
	return rec, nil
}

// Close releases the underlying file handle.
func (it *RecordIterator) Close() error {
	return it.f.Close()
}
