// Package layout implements the file-layout mapper: translating an
// absolute byte offset within a torrent's virtual content stream into
// the file index and in-file offset that physically holds it.
package layout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pvault/piecestore/pkg/manifest"
)

// ErrOutOfRange is returned when the requested offset is at or beyond
// the manifest's total size.
var ErrOutOfRange = errors.New("offset out of range")

// Mapper is a pure, side-effect free function of a Manifest's file
// list. It precomputes the cumulative starting offset of every file so
// that Locate runs in O(log N_files) rather than a linear scan.
type Mapper struct {
	files  []manifest.File
	starts []int64 // starts[i] = absolute offset where files[i] begins
	total  int64
}

// New builds a Mapper from the manifest's file list.
func New(m *manifest.Manifest) *Mapper {
	starts := make([]int64, len(m.Files))
	var offset int64
	for i, f := range m.Files {
		starts[i] = offset
		offset += f.Length
	}

	return &Mapper{files: m.Files, starts: starts, total: offset}
}

// Locate returns the file index and in-file offset holding absolute
// byte x. It fails with ErrOutOfRange when x is beyond the mapper's
// total size.
func (mp *Mapper) Locate(x int64) (fileIndex int, inFileOffset int64, err error) {
	if x < 0 || x >= mp.total {
		return 0, 0, fmt.Errorf("locate offset %d: %w", x, ErrOutOfRange)
	}

	// starts is sorted ascending; find the last file whose start is <= x.
	i := sort.Search(len(mp.starts), func(i int) bool {
		return mp.starts[i] > x
	}) - 1

	return i, x - mp.starts[i], nil
}

// FileLength returns the declared length of file i.
func (mp *Mapper) FileLength(i int) int64 {
	return mp.files[i].Length
}

// FileRelPath returns the save-relative path of file i.
func (mp *Mapper) FileRelPath(i int) string {
	return mp.files[i].RelPath()
}

// NumFiles returns the number of files in the mapped layout.
func (mp *Mapper) NumFiles() int {
	return len(mp.files)
}

// TotalSize returns the total byte length of the mapped content stream.
func (mp *Mapper) TotalSize() int64 {
	return mp.total
}
