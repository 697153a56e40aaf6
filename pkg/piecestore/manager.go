// Package piecestore is the piece manager: it owns the piece<->slot
// indirection tables, routes piece-level reads and writes through the
// slot I/O layer, runs the resume-time verification scan, and executes
// the collision-swap protocol that lets a piece live in a slot other
// than its natural position.
package piecestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pvault/piecestore/internal/logger"
	"github.com/pvault/piecestore/pkg/layout"
	"github.com/pvault/piecestore/pkg/manifest"
	"github.com/pvault/piecestore/pkg/slotio"
)

// allocateBatchSize is the number of unallocated slots drained per
// internal call to allocate from slot_for_piece.
const allocateBatchSize = 5

// Observer receives notifications about swap events and allocation
// batches, for callers that want more than the structured debug log.
// A nil Observer is valid; all methods are no-ops in that case.
type Observer interface {
	OnSwap(piece, fromSlot, toSlot int)
	OnAllocate(slots []int)
}

// Manager owns the indirection tables for one torrent's storage and is
// the only component that mutates them.
type Manager struct {
	mf     *manifest.Manifest
	mapper *layout.Mapper
	io     *slotio.IO

	session  uuid.UUID
	cache    *ResumeCache
	cacheKey string
	observer Observer

	tableMu sync.Mutex

	pieceToSlot      []int // piece -> slot, or -1 if unassigned
	slotToPiece      []slotState
	freeSlots        []int
	unallocatedSlots []int
	bytesLeft        int64

	// allocMu is the allocation single-entry guard, layered
	// independently of tableMu. allocate is always entered with
	// tableMu already held (see allocateLocked), so it does not buy
	// additional concurrency here, but the allocation critical section
	// stays a distinct, independently lockable unit if a future caller
	// invokes it without going through the table lock.
	allocMu sync.Mutex
}

// New constructs a Manager with all N pieces unassigned and all slots
// unallocated. Scan must be called before any Read or Write.
func New(mf *manifest.Manifest, savePath string) *Manager {
	n := mf.NumPieces()

	m := &Manager{
		mf:               mf,
		mapper:           layout.New(mf),
		session:          uuid.New(),
		pieceToSlot:      make([]int, n),
		slotToPiece:      make([]slotState, n),
		unallocatedSlots: make([]int, n),
		bytesLeft:        mf.TotalSize(),
	}
	m.io = slotio.New(mf, m.mapper, savePath)

	for i := 0; i < n; i++ {
		m.pieceToSlot[i] = -1
		m.slotToPiece[i] = unallocatedState()
		m.unallocatedSlots[i] = i
	}

	return m
}

// WithResumeCache attaches a bbolt-backed resume hint cache keyed by
// key (typically the manifest's info hash). It must be called before
// Scan to have any effect.
func (m *Manager) WithResumeCache(cache *ResumeCache, key string) *Manager {
	m.cache = cache
	m.cacheKey = key
	return m
}

// WithObserver attaches an Observer notified of swap and allocation
// events, in place of (or in addition to) the structured debug log.
func (m *Manager) WithObserver(obs Observer) *Manager {
	m.observer = obs
	return m
}

// SavePath returns the root directory pieces are stored under.
func (m *Manager) SavePath() string {
	return m.io.SavePath()
}

// Session returns this manager's session id, used to correlate log
// lines across a run.
func (m *Manager) Session() uuid.UUID {
	return m.session
}

func (m *Manager) notifySwap(piece, from, to int) {
	logger.Debugf("session=%s swap piece=%d from_slot=%d to_slot=%d", m.session, piece, from, to)
	if m.observer != nil {
		m.observer.OnSwap(piece, from, to)
	}
}

func (m *Manager) notifyAllocate(slots []int) {
	logger.Debugf("session=%s allocate slots=%v", m.session, slots)
	if m.observer != nil {
		m.observer.OnAllocate(slots)
	}
}

// Read reads up to size bytes at offset within piece p into buf. It
// panics if p is out of range or if p has never been bound to a slot —
// both are caller bugs: a well-behaved caller only reads pieces its own
// bookkeeping (fed by Scan's have-bitmap) reports as present.
func (m *Manager) Read(buf []byte, p int, offset int64, size int) (int, error) {
	if p < 0 || p >= len(m.pieceToSlot) {
		panic(fmt.Sprintf("piecestore: piece index %d out of range", p))
	}
	if size <= 0 {
		panic(fmt.Sprintf("piecestore: read size must be positive, got %d", size))
	}

	m.tableMu.Lock()
	slot := m.pieceToSlot[p]
	m.tableMu.Unlock()

	if slot < 0 {
		panic(fmt.Sprintf("piecestore: read of unassigned piece %d", p))
	}

	return m.io.Read(buf, slot, offset, size)
}

// Write writes up to size bytes from buf at offset within piece p,
// resolving (and allocating, if necessary) the slot piece p is bound
// to.
func (m *Manager) Write(buf []byte, p int, offset int64, size int) error {
	if p < 0 || p >= len(m.pieceToSlot) {
		panic(fmt.Sprintf("piecestore: piece index %d out of range", p))
	}
	if size <= 0 {
		panic(fmt.Sprintf("piecestore: write size must be positive, got %d", size))
	}

	m.tableMu.Lock()
	slot, err := m.slotForPieceLocked(p)
	m.tableMu.Unlock()
	if err != nil {
		return err
	}

	return m.io.Write(buf, slot, offset, size)
}

// AllocateSlots drains up to n entries from unallocated_slots, zero-
// filling their backing bytes on disk. It is exposed for callers that
// want to pre-warm storage ahead of writes; slotForPieceLocked also
// calls the same internal routine when it runs out of free slots.
func (m *Manager) AllocateSlots(n int) error {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	return m.allocateLocked(n)
}

// allocateLocked drains up to n unallocated slots. The caller must
// already hold tableMu; splitting the public entry from this internal
// routine avoids needing a recursive table mutex when slotForPieceLocked
// runs out of free slots mid-flight.
func (m *Manager) allocateLocked(n int) error {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	count := n
	if count > len(m.unallocatedSlots) {
		count = len(m.unallocatedSlots)
	}
	drained := append([]int(nil), m.unallocatedSlots[:count]...)
	m.unallocatedSlots = m.unallocatedSlots[count:]

	pieceLen := m.mf.PieceLength
	zeros := make([]byte, pieceLen)

	g, _ := errgroup.WithContext(context.Background())

	for _, pos := range drained {
		pos := pos
		newFreeSlot := pos

		if m.pieceToSlot[pos] != -1 {
			// Resolved open question: the original reads the prior
			// slot's bytes into the same buffer it is about to
			// overwrite with zeros, discarding the read outright. That
			// read is skipped here — it cannot change what gets
			// written.
			newFreeSlot = m.pieceToSlot[pos]
			m.slotToPiece[pos] = boundState(pos)
			m.pieceToSlot[pos] = pos
		}

		m.slotToPiece[newFreeSlot] = freeState()
		m.freeSlots = append(m.freeSlots, newFreeSlot)

		size := int(m.mf.PieceSize(pos))
		g.Go(func() error {
			return m.io.Write(zeros[:size], pos, 0, size)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("allocate: %w", err)
	}

	m.notifyAllocate(drained)

	return nil
}

// slotForPieceLocked implements slot_for_piece. The caller must already
// hold tableMu.
func (m *Manager) slotForPieceLocked(p int) (int, error) {
	m.checkInvariantLocked()

	if s := m.pieceToSlot[p]; s != -1 {
		return s, nil
	}

	if len(m.freeSlots) == 0 {
		if err := m.allocateLocked(allocateBatchSize); err != nil {
			return 0, err
		}
		if len(m.freeSlots) == 0 {
			panic("piecestore: allocate produced no free slots")
		}
	}

	shortSlot := len(m.pieceToSlot) - 1

	idx := -1
	for i, s := range m.freeSlots {
		if s == p {
			idx = i
			break
		}
	}

	if idx == -1 {
		idx = len(m.freeSlots) - 1
		if m.freeSlots[idx] == shortSlot && p != shortSlot {
			// The short slot must never absorb a non-short piece. Look
			// for another free slot before falling back to allocating
			// more; the original only ever re-examines the last
			// element here, which (given free slots are appended in
			// ascending order) can silently rebind the short slot when
			// it isn't the sole free entry — invariant I4 forbids that
			// outcome, so this rewrite searches instead of re-taking
			// the same index.
			idx = -1
			for i := len(m.freeSlots) - 2; i >= 0; i-- {
				if m.freeSlots[i] != shortSlot {
					idx = i
					break
				}
			}
			if idx == -1 {
				if err := m.allocateLocked(allocateBatchSize); err != nil {
					return 0, err
				}
				if len(m.freeSlots) <= 1 {
					panic("piecestore: allocate did not grow free slots past the short slot")
				}
				idx = len(m.freeSlots) - 1
				if m.freeSlots[idx] == shortSlot {
					for i := len(m.freeSlots) - 2; i >= 0; i-- {
						if m.freeSlots[i] != shortSlot {
							idx = i
							break
						}
					}
				}
			}
		}
	}

	slot := m.freeSlots[idx]
	m.freeSlots = append(m.freeSlots[:idx], m.freeSlots[idx+1:]...)

	m.slotToPiece[slot] = boundState(p)
	m.pieceToSlot[p] = slot
	m.bytesLeft -= m.mf.PieceSize(p)

	if slot != p {
		if piecesAtOurSlot, bound := m.slotToPiece[p].boundPiece(); bound {
			q := piecesAtOurSlot

			buf := make([]byte, m.mf.PieceLength)
			pieceLen := int(m.mf.PieceSize(p))
			if _, err := m.io.Read(buf, p, 0, pieceLen); err != nil {
				return 0, fmt.Errorf("slot_for_piece swap read: %w", err)
			}
			if err := m.io.Write(buf, slot, 0, pieceLen); err != nil {
				return 0, fmt.Errorf("slot_for_piece swap write: %w", err)
			}

			m.slotToPiece[p], m.slotToPiece[slot] = m.slotToPiece[slot], m.slotToPiece[p]
			m.pieceToSlot[p], m.pieceToSlot[q] = m.pieceToSlot[q], m.pieceToSlot[p]

			m.notifySwap(p, slot, p)

			slot = p
		}
	}

	m.checkInvariantLocked()

	return slot, nil
}

// CheckInvariant re-derives and checks I1-I5 against the current
// table state, panicking on violation. It is meant for tests and
// debug builds, not the hot path.
func (m *Manager) CheckInvariant() {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	m.checkInvariantLocked()
}

func (m *Manager) checkInvariantLocked() {
	n := len(m.pieceToSlot)

	freeSet := make(map[int]bool, len(m.freeSlots))
	for _, s := range m.freeSlots {
		if freeSet[s] {
			panic(fmt.Sprintf("piecestore: slot %d duplicated in free_slots", s))
		}
		freeSet[s] = true
	}

	unallocSet := make(map[int]bool, len(m.unallocatedSlots))
	for _, s := range m.unallocatedSlots {
		if unallocSet[s] {
			panic(fmt.Sprintf("piecestore: slot %d duplicated in unallocated_slots", s))
		}
		unallocSet[s] = true
	}

	var boundCount int
	var bytesLeft int64

	for p, s := range m.pieceToSlot {
		if s < 0 {
			bytesLeft += m.mf.PieceSize(p)
			continue
		}
		if m.slotToPiece[s].piece != p || m.slotToPiece[s].kind != slotBound {
			panic(fmt.Sprintf("piecestore: I1 violated: piece %d -> slot %d but slot_to_piece[%d] disagrees", p, s, s))
		}
	}

	for s := 0; s < n; s++ {
		st := m.slotToPiece[s]
		switch {
		case st.isFree():
			if !freeSet[s] {
				panic(fmt.Sprintf("piecestore: I2 violated: slot %d is FREE but absent from free_slots", s))
			}
		case st.isUnallocated():
			if !unallocSet[s] {
				panic(fmt.Sprintf("piecestore: I3 violated: slot %d is UNALLOCATED but absent from unallocated_slots", s))
			}
		default:
			boundCount++
			if s == n-1 {
				if piece, _ := st.boundPiece(); piece != n-1 {
					panic(fmt.Sprintf("piecestore: I4 violated: slot %d (short) bound to non-short piece %d", s, piece))
				}
			}
		}
	}

	if len(freeSet)+len(unallocSet)+boundCount != n {
		panic("piecestore: I3 violated: free/unallocated/bound sets do not partition slot space")
	}

	if bytesLeft != m.bytesLeft {
		panic(fmt.Sprintf("piecestore: I5 violated: bytes_left = %d, want %d", m.bytesLeft, bytesLeft))
	}
}

// BytesLeft returns the total size of pieces not yet bound to a slot.
func (m *Manager) BytesLeft() int64 {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	return m.bytesLeft
}

// PieceSlot returns the slot piece p is bound to, or -1 if unassigned.
func (m *Manager) PieceSlot(p int) int {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	return m.pieceToSlot[p]
}
