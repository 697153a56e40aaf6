package piecestore

import (
	"sync"

	"github.com/pvault/piecestore/pkg/digest"
)

// CheckerData is the Go expression of piece_checker_data: progress and
// abort state shared between the scanning goroutine and whatever is
// watching it (a UI, a log line, a test). Callers guard it with their
// own mutex, passed separately to Scan.
type CheckerData struct {
	Progress float64
	Abort    bool
}

// Scan is the resume-time verification protocol: it walks every slot in
// ascending order, reads what is physically present, and matches it
// against the manifest's digest table to reconstruct the piece<->slot
// bindings from scratch. have is an in/out bitmap of length NumPieces;
// entries already true on entry are treated as already bound and are
// skipped by the search except at a piece's own natural slot. Scan
// panics if len(have) doesn't match NumPieces — a caller-side
// precondition, not a runtime condition.
//
// Scan should be called exactly once, immediately after New, before any
// Read or Write. It returns ErrAborted if progressData.Abort was
// observed set; the manager's tables are left partially populated and
// must be discarded in that case.
func (m *Manager) Scan(progressMu *sync.Mutex, progressData *CheckerData, have []bool) error {
	n := m.mf.NumPieces()
	if len(have) != n {
		panic(ErrBitmapLength)
	}

	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	m.pieceToSlot = make([]int, n)
	m.slotToPiece = make([]slotState, n)
	m.freeSlots = m.freeSlots[:0]
	m.unallocatedSlots = m.unallocatedSlots[:0]
	for i := range m.pieceToSlot {
		m.pieceToSlot[i] = -1
	}

	// hints maps slot -> the piece the previous session found bound
	// there, inverted from the cached piece_to_slot table so scanSlot
	// can try it first instead of searching ascending from scratch.
	var hints map[int]int
	if m.cache != nil {
		if loaded, ok, err := m.cache.Load(m.cacheKey); err == nil && ok {
			hints = make(map[int]int, len(loaded))
			for piece, slot := range loaded {
				if slot >= 0 {
					hints[slot] = piece
				}
			}
		}
	}

	m.bytesLeft = m.mf.TotalSize()

	for slot := 0; slot < n; slot++ {
		progressMu.Lock()
		progressData.Progress = float64(slot) / float64(n)
		abort := progressData.Abort
		progressMu.Unlock()

		if abort {
			return ErrAborted
		}

		if err := m.scanSlot(slot, n, have, hints); err != nil {
			return err
		}
	}

	progressMu.Lock()
	progressData.Progress = 1
	progressMu.Unlock()

	if m.cache != nil {
		_ = m.cache.Save(m.cacheKey, m.pieceToSlot)
	}

	m.checkInvariantLocked()

	return nil
}

func (m *Manager) scanSlot(slot, n int, have []bool, hints map[int]int) error {
	size := int(m.mf.PieceSize(slot))
	buf := make([]byte, size)

	got, err := m.io.Read(buf, slot, 0, size)
	if err != nil {
		return err
	}

	if got < size {
		m.slotToPiece[slot] = unallocatedState()
		m.unallocatedSlots = append(m.unallocatedSlots, slot)
		return nil
	}

	shortLen := int(m.mf.PieceSize(n - 1))

	var lazyFull, lazyShort *digest.Lazy
	if size >= int(m.mf.PieceLength) {
		lazyFull = digest.NewLazy(buf, int(m.mf.PieceLength))
	}
	if size >= shortLen {
		lazyShort = digest.NewLazy(buf, shortLen)
	}

	found := -1

	candidates := make([]int, 0, n-slot+1)
	seen := make(map[int]bool, n-slot+1)
	if hinted, ok := hints[slot]; ok && hinted >= slot && hinted < n {
		candidates = append(candidates, hinted)
		seen[hinted] = true
	}
	for i := slot; i < n; i++ {
		if seen[i] {
			continue
		}
		candidates = append(candidates, i)
	}

	for _, i := range candidates {
		if have[i] && i != slot {
			continue
		}

		var h [digest.Size]byte
		if i == n-1 {
			if lazyShort == nil {
				continue
			}
			h = lazyShort.Get()
		} else {
			if lazyFull == nil {
				continue
			}
			h = lazyFull.Get()
		}

		if digestEqual(h, m.mf.HashForPiece(i)) {
			found = i
			break
		}
	}

	if found != -1 {
		if prevSlot := m.pieceToSlot[found]; prevSlot != -1 {
			m.slotToPiece[prevSlot] = freeState()
			m.freeSlots = append(m.freeSlots, prevSlot)
		} else {
			m.bytesLeft -= m.mf.PieceSize(found)
		}

		m.pieceToSlot[found] = slot
		m.slotToPiece[slot] = boundState(found)
		have[found] = true

		return nil
	}

	m.slotToPiece[slot] = freeState()
	m.freeSlots = append(m.freeSlots, slot)

	return nil
}

func digestEqual(got [digest.Size]byte, want []byte) bool {
	if len(want) != digest.Size {
		return false
	}
	for i := 0; i < digest.Size; i++ {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
