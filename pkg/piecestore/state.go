package piecestore

// slotKind tags the three states a slot can be in. A tagged variant
// keeps the two "not a piece index" states from hiding inside negative
// integer sentinels.
type slotKind int

const (
	slotUnallocated slotKind = iota
	slotFree
	slotBound
)

// slotState is the value held per-entry in slot_to_piece: either the
// slot has no materialized bytes yet, holds materialized but unbound
// bytes, or is bound to a specific piece index.
type slotState struct {
	kind  slotKind
	piece int // meaningful only when kind == slotBound
}

func unallocatedState() slotState { return slotState{kind: slotUnallocated} }
func freeState() slotState        { return slotState{kind: slotFree} }
func boundState(piece int) slotState {
	return slotState{kind: slotBound, piece: piece}
}

func (s slotState) isUnallocated() bool { return s.kind == slotUnallocated }
func (s slotState) isFree() bool        { return s.kind == slotFree }

// boundPiece returns the piece bound to this slot and true, or
// (0, false) if the slot isn't bound to anything.
func (s slotState) boundPiece() (int, bool) {
	if s.kind == slotBound {
		return s.piece, true
	}
	return 0, false
}
