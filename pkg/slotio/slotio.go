// Package slotio reads and writes the fixed-size physical slots that
// back a torrent's pieces, splitting any request that crosses a file
// boundary and serializing concurrent access to the same slot while
// letting distinct slots proceed in parallel.
package slotio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pvault/piecestore/pkg/layout"
	"github.com/pvault/piecestore/pkg/manifest"
)

// ErrInvalidSlot is returned when a caller names a slot outside [0, N).
var ErrInvalidSlot = errors.New("invalid slot index")

// IO reads and writes torrent slots on disk. It holds no open file
// handles between calls: every read or write opens, seeks, and closes
// the files it touches, matching the original engine's per-operation
// file handle model rather than caching descriptors.
type IO struct {
	mapper *layout.Mapper
	mf     *manifest.Manifest
	root   string

	mu   sync.Mutex
	cond *sync.Cond
	busy []bool
}

// New returns an IO rooted at savePath, using mapper to locate bytes
// within mf's file list.
func New(mf *manifest.Manifest, mapper *layout.Mapper, savePath string) *IO {
	s := &IO{
		mapper: mapper,
		mf:     mf,
		root:   savePath,
		busy:   make([]bool, mf.NumPieces()),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SavePath returns the root directory slots are stored under.
func (s *IO) SavePath() string {
	return s.root
}

// lock blocks until slot is free, then marks it busy. It mirrors the
// original's slot_lock: a single mutex guards a busy-flag vector and a
// condition variable wakes all waiters whenever any slot is released.
func (s *IO) lock(slot int) {
	s.mu.Lock()
	for s.busy[slot] {
		s.cond.Wait()
	}
	s.busy[slot] = true
	s.mu.Unlock()
}

func (s *IO) unlock(slot int) {
	s.mu.Lock()
	s.busy[slot] = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *IO) checkSlot(slot int) error {
	if slot < 0 || slot >= len(s.busy) {
		return fmt.Errorf("slot %d: %w", slot, ErrInvalidSlot)
	}
	return nil
}

// effectiveCount clamps size to what fits between offset and the end of
// slot's capacity: reads and writes never cross past the slot end.
func (s *IO) effectiveCount(slot int, offset int64, size int) int {
	capacity := s.mf.PieceSize(slot)
	remaining := capacity - offset
	if remaining < 0 {
		remaining = 0
	}
	if int64(size) > remaining {
		return int(remaining)
	}
	return size
}

// Read reads up to size bytes at offset within slot into buf, which
// must be at least that long. It returns the number of bytes actually
// read; a short read (including zero) means the underlying file(s) are
// missing or shorter than declared — a hole, not an error.
func (s *IO) Read(buf []byte, slot int, offset int64, size int) (int, error) {
	if err := s.checkSlot(slot); err != nil {
		return 0, err
	}

	s.lock(slot)
	defer s.unlock(slot)

	want := s.effectiveCount(slot, offset, size)
	if want <= 0 {
		return 0, nil
	}

	start := int64(slot)*s.mf.PieceLength + offset
	fileIdx, fileOff, err := s.mapper.Locate(start)
	if err != nil {
		return 0, nil // offset beyond end of torrent: nothing to read
	}

	total := 0
	for want > 0 {
		n, shortRead, err := s.readFromFile(fileIdx, fileOff, buf[total:total+want])
		total += n
		want -= n
		fileOff += int64(n)

		if err != nil {
			return total, err
		}
		if shortRead {
			break
		}

		if want > 0 {
			fileIdx++
			if fileIdx >= s.mapper.NumFiles() {
				break
			}
			fileOff = 0
		}
	}

	return total, nil
}

func (s *IO) readFromFile(fileIdx int, fileOff int64, dst []byte) (n int, shortRead bool, err error) {
	path := filepath.Join(s.root, s.mapper.FileRelPath(fileIdx))

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	avail := s.mapper.FileLength(fileIdx) - fileOff
	if avail <= 0 {
		return 0, true, nil
	}

	// Clamp to what this file holds; the remainder of the request
	// continues in the next file and is not a hole.
	want := dst
	if int64(len(want)) > avail {
		want = want[:avail]
	}

	n, err = f.ReadAt(want, fileOff)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, false, fmt.Errorf("read %s: %w", path, err)
	}
	if n < len(want) {
		// The file is physically shorter than its declared length:
		// the missing tail reads as absent.
		return n, true, nil
	}

	return n, false, nil
}

// Write writes up to size bytes from buf at offset within slot. If the
// target file doesn't exist it is created; an existing file is updated
// in place and never truncated.
func (s *IO) Write(buf []byte, slot int, offset int64, size int) error {
	if err := s.checkSlot(slot); err != nil {
		return err
	}

	s.lock(slot)
	defer s.unlock(slot)

	want := s.effectiveCount(slot, offset, size)
	if want <= 0 {
		return nil
	}

	start := int64(slot)*s.mf.PieceLength + offset
	fileIdx, fileOff, err := s.mapper.Locate(start)
	if err != nil {
		return fmt.Errorf("write slot %d: %w", slot, err)
	}

	written := 0
	for want > 0 {
		n, err := s.writeToFile(fileIdx, fileOff, buf[written:written+want])
		written += n
		want -= n
		fileOff += int64(n)

		if err != nil {
			return err
		}

		if want > 0 {
			fileIdx++
			if fileIdx >= s.mapper.NumFiles() {
				break
			}
			fileOff = 0
		}
	}

	return nil
}

func (s *IO) writeToFile(fileIdx int, fileOff int64, src []byte) (int, error) {
	path := filepath.Join(s.root, s.mapper.FileRelPath(fileIdx))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	avail := s.mapper.FileLength(fileIdx) - fileOff
	want := src
	if int64(len(want)) > avail {
		want = want[:avail]
	}

	n, err := f.WriteAt(want, fileOff)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", path, err)
	}

	return n, nil
}
