package piecestore

import "errors"

// Sentinel errors returned by Manager operations. Precondition
// violations (bad piece index, non-positive size, reading a piece that
// was never bound) are programmer error and panic instead — see
// Manager.Read/Write.
var (
	// ErrAborted is returned by Scan when the caller's abort flag was
	// observed set. The manager's tables are left in whatever partial
	// state the scan reached; callers must discard the manager.
	ErrAborted = errors.New("scan aborted")

	// ErrBitmapLength is returned (as a panic payload, not an error
	// value — see Scan) when the caller's have-bitmap does not have
	// exactly NumPieces entries.
	ErrBitmapLength = errors.New("have bitmap length does not match piece count")
)
