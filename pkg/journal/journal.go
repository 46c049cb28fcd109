// Package journal is a file-backed, append-only record log split into
// numbered segment files. It backs the result journal sink.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Offset is the position of a record; the first record has offset 1.
type Offset uint64

// Record is one stored payload.
type Record struct {
	Offset Offset
	Data   []byte
}

// record layout, little endian: [offset u64][len u32][crc32 u32][data]
const headerSize = 16

var (
	ErrClosed    = errors.New("journal is closed")
	ErrEmpty     = errors.New("journal record cannot be empty")
	ErrCorrupted = errors.New("journal record checksum mismatch")
)

// Config configures a Journal.
type Config struct {
	Dir string
	// MaxSegmentBytes triggers rotation to a new segment file.
	MaxSegmentBytes int64
	// Fsync syncs the active segment after every append.
	Fsync bool
}

// DefaultConfig returns 64MB segments without per-append fsync.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, MaxSegmentBytes: 64 << 20}
}

// Journal is safe for concurrent use.
type Journal struct {
	cfg Config

	mu         sync.Mutex
	closed     bool
	next       Offset
	activeID   int
	activeFile *os.File
	activeBuf  *bufio.Writer
	activeSize int64
}

// Open opens or creates the journal in cfg.Dir. A torn record at the end of
// the last segment, left by a crash mid-write, is truncated away.
func Open(cfg Config) (*Journal, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("journal dir is required")
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = 64 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	j := &Journal{cfg: cfg, next: 1, activeID: 1}
	segs, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	var validSize int64
	for i, seg := range segs {
		last, size, err := scanSegment(seg.path)
		if err != nil {
			return nil, err
		}
		if last >= j.next {
			j.next = last + 1
		}
		if i == len(segs)-1 {
			j.activeID = seg.id
			validSize = size
		}
	}

	path := segmentPath(cfg.Dir, j.activeID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(validSize); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(validSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	j.activeFile = f
	j.activeSize = validSize
	j.activeBuf = bufio.NewWriterSize(f, 64<<10)
	return j, nil
}

// Append stores data and returns its offset. The record is readable once
// Append returns.
func (j *Journal) Append(data []byte) (Offset, error) {
	if len(data) == 0 {
		return 0, ErrEmpty
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	size := int64(headerSize + len(data))
	if j.activeSize > 0 && j.activeSize+size > j.cfg.MaxSegmentBytes {
		if err := j.rotateLocked(); err != nil {
			return 0, err
		}
	}

	off := j.next
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(off))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(data)))
	binary.LittleEndian.PutUint32(hdr[12:16], crc32.ChecksumIEEE(data))

	if _, err := j.activeBuf.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := j.activeBuf.Write(data); err != nil {
		return 0, err
	}
	if err := j.activeBuf.Flush(); err != nil {
		return 0, err
	}
	if j.cfg.Fsync {
		if err := j.activeFile.Sync(); err != nil {
			return 0, err
		}
	}
	j.activeSize += size
	j.next++
	return off, nil
}

// Read returns up to limit records starting at offset from.
func (j *Journal) Read(from Offset, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	segs, err := listSegments(j.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, seg := range segs {
		err := walkSegment(seg.path, func(r Record) bool {
			if r.Offset >= from {
				out = append(out, r)
			}
			return len(out) < limit
		})
		if err != nil {
			return nil, err
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Rotate seals the active segment and starts a new one.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.rotateLocked()
}

func (j *Journal) rotateLocked() error {
	if err := j.activeBuf.Flush(); err != nil {
		return err
	}
	if err := j.activeFile.Close(); err != nil {
		return err
	}
	j.activeID++
	f, err := os.OpenFile(segmentPath(j.cfg.Dir, j.activeID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.activeFile = f
	j.activeBuf = bufio.NewWriterSize(f, 64<<10)
	j.activeSize = 0
	return nil
}

// Segments returns how many segment files exist.
func (j *Journal) Segments() (int, error) {
	segs, err := listSegments(j.cfg.Dir)
	return len(segs), err
}

// Close flushes and syncs the active segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.activeBuf.Flush(); err != nil {
		j.activeFile.Close()
		return err
	}
	if err := j.activeFile.Sync(); err != nil {
		j.activeFile.Close()
		return err
	}
	return j.activeFile.Close()
}

type segInfo struct {
	id   int
	path string
}

func segmentPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", id))
}

func listSegments(dir string) ([]segInfo, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []segInfo
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".log"))
		if err != nil {
			continue
		}
		segs = append(segs, segInfo{id: id, path: filepath.Join(dir, name)})
	}
	sort.Slice(segs, func(a, b int) bool { return segs[a].id < segs[b].id })
	return segs, nil
}

// scanSegment returns the last complete offset and the byte size of the valid
// prefix of a segment.
func scanSegment(path string) (last Offset, size int64, err error) {
	err = walkSegment(path, func(r Record) bool {
		last = r.Offset
		size += int64(headerSize + len(r.Data))
		return true
	})
	return last, size, err
}

// walkSegment calls fn for every complete record until fn returns false. A
// truncated tail ends the walk silently; a checksum mismatch is an error.
func walkSegment(path string, fn func(Record) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		off := Offset(binary.LittleEndian.Uint64(hdr[0:8]))
		n := binary.LittleEndian.Uint32(hdr[8:12])
		sum := binary.LittleEndian.Uint32(hdr[12:16])

		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if crc32.ChecksumIEEE(data) != sum {
			return fmt.Errorf("%s offset %d: %w", filepath.Base(path), off, ErrCorrupted)
		}
		if !fn(Record{Offset: off, Data: data}) {
			return nil
		}
	}
}
