package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// errEmptySegment marks a segment with a valid (or absent) header but no
// complete frames; it is purged on recovery without counting as corrupt.
var errEmptySegment = errors.New("wal: empty segment")

// Recover scans root for tenant directories left behind by a prior process
// and rebuilds in-memory state for each: every segment, including a
// trailer-less one left behind by an unclean shutdown, is sealed after
// truncating any torn tail. The gateway never resumes writing into an old
// segment; the next Append opens a fresh one. A tenant directory's name IS
// its safe hash, so recovery needs no reverse mapping back to a raw token.
func (m *Manager) Recover() (err error) {
	defer func() { m.recoverOK.Store(err == nil) }()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			err = ensureDir(m.root)
			return err
		}
		err = fmt.Errorf("read wal root: %w", err)
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		hash, perr := strconv.ParseUint(e.Name(), 16, 64)
		if perr != nil {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		ts, rerr := m.recoverTenantDir(dir, hash)
		if rerr != nil {
			continue
		}
		m.mu.Lock()
		m.tenants[hash] = ts
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) recoverTenantDir(dir string, hash uint64) (*tenantState, error) {
	segFiles, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, sf := range segFiles {
		if !sf.IsDir() && strings.HasSuffix(sf.Name(), ".wal") {
			names = append(names, sf.Name())
		}
	}
	sort.Strings(names)

	ts := &tenantState{hash: hash, dir: dir, sealCh: make(chan struct{}, 1)}
	for _, name := range names {
		seq, err := parseSegmentSeq(name)
		if err != nil {
			continue
		}
		if seq > ts.seq {
			ts.seq = seq
		}
		path := filepath.Join(dir, name)
		handle, err := recoverSegment(path, hash, seq)
		if err != nil {
			// Malformed header or an empty file: purge it. A torn tail
			// is truncated inside recoverSegment and never lands here,
			// so it is not counted as corruption.
			if err == ErrCorruptHeader && m.metrics != nil {
				m.metrics.SegmentsCorruptTotal.Inc()
			}
			os.Remove(path)
			continue
		}
		if handle != nil {
			ts.sealed = append(ts.sealed, *handle)
		}
	}
	return ts, nil
}

func parseSegmentSeq(name string) (uint64, error) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".wal")
	return strconv.ParseUint(base, 10, 64)
}

// recoverSegment reads path once to determine its extent and always seals
// it: a previously-active segment is treated as sealed on restart, and the
// gateway never resumes writing into an old segment. A torn or corrupt
// trailing frame is truncated back to the last good frame boundary before
// the segment is handed to the forwarder. A segment with zero frames (just
// a header, or not even that) is purged by the caller rather than kept as
// a sealed handle.
func recoverSegment(path string, hash, seq uint64) (*SegmentHandle, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, errEmptySegment
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	hdr, err := readHeader(br)
	if err != nil {
		return nil, ErrCorruptHeader
	}
	if hdr.TokenHash != hash {
		return nil, ErrCorruptHeader
	}

	size := int64(headerSize)
	var frameCount int64
	torn := false
scan:
	for {
		payload, sentinel, ferr := readFrame(br)
		switch ferr {
		case nil:
			if sentinel {
				size += 8
				break scan
			}
			size += int64(8 + len(payload))
			frameCount++
		case io.EOF:
			break scan
		default: // ErrTornTail, ErrBadCRC
			torn = true
			break scan
		}
	}
	createdAt := time.UnixMilli(int64(hdr.CreatedUnixMs))

	if frameCount == 0 {
		return nil, errEmptySegment
	}
	if torn {
		if err := os.Truncate(path, size); err != nil {
			return nil, err
		}
	}
	return &SegmentHandle{Token: fmt.Sprintf("%016x", hash), Seq: seq, Path: path, CreatedAt: createdAt}, nil
}
