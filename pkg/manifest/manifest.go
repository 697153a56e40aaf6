// Package manifest describes the read-only, externally supplied layout of
// a torrent's content: the ordered list of files it is made of, its piece
// length, and the per-piece digest table used to verify content on disk.
//
// Parsing a .torrent file into a Manifest (bencode decoding, tracker
// fields, info-hash computation) is out of scope for this package; a
// Manifest is expected to already exist by the time the storage engine
// sees it.
package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
)

// HashSize is the length in bytes of a single piece digest (SHA-1).
const HashSize = 20

// File describes one file within the manifest, relative to the save
// directory the engine is told to use.
type File struct {
	// Path is the list of path components, e.g. {"subdir", "file.txt"}.
	// A single-file manifest has exactly one File whose Path is the
	// manifest-level name.
	Path []string
	// Length is the file's declared size in bytes.
	Length int64
}

// RelPath joins Path into a single relative filesystem path.
func (f File) RelPath() string {
	return filepath.Join(f.Path...)
}

func (f File) validate(index int) error {
	if f.Length < 0 {
		return newValidationError(ErrInvalidFile, fmt.Sprintf("files[%d].length", index),
			fmt.Sprintf("file length cannot be negative, got %d", f.Length))
	}

	if len(f.Path) == 0 {
		return newValidationError(ErrInvalidFile, fmt.Sprintf("files[%d].path", index),
			"file path cannot be empty")
	}

	for i, component := range f.Path {
		if component == "" {
			return newValidationError(ErrInvalidFile, fmt.Sprintf("files[%d].path[%d]", index, i),
				"path component cannot be empty")
		}

		if component == "." || component == ".." {
			return newValidationError(ErrInvalidFile, fmt.Sprintf("files[%d].path[%d]", index, i),
				"path component cannot be '.' or '..' (path traversal risk)")
		}

		if strings.ContainsRune(component, 0) {
			return newValidationError(ErrInvalidFile, fmt.Sprintf("files[%d].path[%d]", index, i),
				"path component cannot contain null bytes")
		}
	}

	return nil
}

// Manifest is the external, read-only description of a torrent's content
// layout: an ordered list of files, the piece length applied to all but
// the last piece, and the concatenated per-piece SHA-1 digests.
type Manifest struct {
	// Files is the ordered list of files making up the virtual byte
	// stream. Concatenated in order, Files[i] occupies the half-open
	// byte range [offset_i, offset_i+Length_i) of the stream.
	Files []File
	// PieceLength is the length in bytes of every piece except
	// possibly the last.
	PieceLength int64
	// Pieces is the concatenation of all per-piece SHA-1 digests, so
	// len(Pieces) == HashSize*NumPieces().
	Pieces []byte
}

// New builds a Manifest from its fields and validates it. Returns an
// error describing the first validation failure encountered.
func New(files []File, pieceLength int64, pieces []byte) (*Manifest, error) {
	m := &Manifest{Files: files, PieceLength: pieceLength, Pieces: pieces}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// TotalSize returns the sum of all file lengths.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns N = ceil(T/L).
func (m *Manifest) NumPieces() int {
	total := m.TotalSize()
	if total == 0 {
		return 0
	}
	n := total / m.PieceLength
	if total%m.PieceLength != 0 {
		n++
	}
	return int(n)
}

// PieceSize returns the length of piece i: PieceLength for every piece
// except the last, whose length is T - (N-1)*L.
func (m *Manifest) PieceSize(i int) int64 {
	n := m.NumPieces()
	if i == n-1 {
		last := m.TotalSize() - int64(n-1)*m.PieceLength
		return last
	}
	return m.PieceLength
}

// HashForPiece returns the expected 20-byte digest for piece i.
func (m *Manifest) HashForPiece(i int) []byte {
	return m.Pieces[i*HashSize : (i+1)*HashSize]
}

func (m *Manifest) validate() error {
	if m.PieceLength <= 0 {
		return newValidationError(ErrInvalidPieceLength, "piece_length",
			fmt.Sprintf("piece length must be positive, got %d", m.PieceLength))
	}

	if len(m.Pieces)%HashSize != 0 {
		return newValidationError(ErrInvalidPieces, "pieces",
			fmt.Sprintf("pieces length must be a multiple of %d, got %d", HashSize, len(m.Pieces)))
	}

	if len(m.Files) == 0 {
		return newValidationError(ErrInvalidFileStructure, "files", "manifest must list at least one file")
	}

	seen := make(map[string]bool, len(m.Files))
	for i, f := range m.Files {
		if err := f.validate(i); err != nil {
			return err
		}

		key := f.RelPath()
		if seen[key] {
			return newValidationError(ErrInvalidFileStructure, "files", "duplicate file path: "+key)
		}
		seen[key] = true
	}

	total := m.TotalSize()
	if total <= 0 {
		return newValidationError(ErrInconsistentData, "total_size",
			fmt.Sprintf("total size must be positive, got %d", total))
	}

	numPieces := m.NumPieces()
	if len(m.Pieces) != numPieces*HashSize {
		return newValidationError(ErrInconsistentData, "pieces",
			fmt.Sprintf("expected %d piece digests for a %d byte manifest, got %d", numPieces, total, len(m.Pieces)/HashSize))
	}

	return nil
}
