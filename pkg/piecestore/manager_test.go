package piecestore_test

import (
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pvault/piecestore/pkg/layout"
	"github.com/pvault/piecestore/pkg/manifest"
	"github.com/pvault/piecestore/pkg/piecestore"
	"github.com/pvault/piecestore/pkg/slotio"
)

// runningExampleManifest builds the running example used throughout
// these tests: piece length 4, files a=3, b=5, c=4 (12 bytes, 3
// pieces, last piece also length 4).
func runningExampleManifest(t *testing.T, pieces [][]byte) *manifest.Manifest {
	t.Helper()
	digests := make([]byte, 0, len(pieces)*manifest.HashSize)
	for _, p := range pieces {
		h := sha1.Sum(p)
		digests = append(digests, h[:]...)
	}

	files := []manifest.File{
		{Path: []string{"a"}, Length: 3},
		{Path: []string{"b"}, Length: 5},
		{Path: []string{"c"}, Length: 4},
	}

	m, err := manifest.New(files, 4, digests)
	if err != nil {
		t.Fatalf("manifest.New() error = %v", err)
	}
	return m
}

func freshHave(n int) []bool { return make([]bool, n) }

// TestFreshAllocation starts from an empty disk: writing piece 0 and piece
// 2 to a manager backed by an empty disk allocates all three slots (the
// first write's batch-of-5 allocate call drains every unallocated slot
// since N=3 < 5), zero-filling the untouched slot 1 in the process.
func TestFreshAllocation(t *testing.T) {
	root := t.TempDir()
	mf := runningExampleManifest(t, [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC")})
	m := piecestore.New(mf, root)

	if err := m.Write([]byte("AAAA"), 0, 0, 4); err != nil {
		t.Fatalf("Write(piece 0) error = %v", err)
	}
	if err := m.Write([]byte("CCCC"), 2, 0, 4); err != nil {
		t.Fatalf("Write(piece 2) error = %v", err)
	}

	a, err := os.ReadFile(filepath.Join(root, "a"))
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	if string(a) != "AAA" {
		t.Errorf("file a = %q, want %q", a, "AAA")
	}

	b, err := os.ReadFile(filepath.Join(root, "b"))
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	wantB := []byte{'A', 0, 0, 0, 0}
	if string(b) != string(wantB) {
		t.Errorf("file b = %q, want %q", b, wantB)
	}

	c, err := os.ReadFile(filepath.Join(root, "c"))
	if err != nil {
		t.Fatalf("read c: %v", err)
	}
	if string(c) != "CCCC" {
		t.Errorf("file c = %q, want %q", c, "CCCC")
	}

	buf := make([]byte, 4)
	if _, err := m.Read(buf, 0, 0, 4); err != nil {
		t.Fatalf("Read(piece 0) error = %v", err)
	}
	if string(buf) != "AAAA" {
		t.Errorf("Read(piece 0) = %q, want AAAA", buf)
	}

	if _, err := m.Read(buf, 2, 0, 4); err != nil {
		t.Fatalf("Read(piece 2) error = %v", err)
	}
	if string(buf) != "CCCC" {
		t.Errorf("Read(piece 2) = %q, want CCCC", buf)
	}

	m.CheckInvariant()
}

// TestScan_AllPresentNaturalOrder resumes against a disk holding every
// piece in its natural slot.
func TestScan_AllPresentNaturalOrder(t *testing.T) {
	root := t.TempDir()
	content := []byte("AAAABBBBCCCC")
	pieces := [][]byte{content[0:4], content[4:8], content[8:12]}
	mf := runningExampleManifest(t, pieces)

	writeFile(t, root, "a", content[0:3])
	writeFile(t, root, "b", content[3:8])
	writeFile(t, root, "c", content[8:12])

	m := piecestore.New(mf, root)
	var mu sync.Mutex
	data := &piecestore.CheckerData{}
	have := freshHave(3)

	if err := m.Scan(&mu, data, have); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	for p := 0; p < 3; p++ {
		if got := m.PieceSlot(p); got != p {
			t.Errorf("PieceSlot(%d) = %d, want %d", p, got, p)
		}
		if !have[p] {
			t.Errorf("have[%d] = false, want true", p)
		}
	}
	if left := m.BytesLeft(); left != 0 {
		t.Errorf("BytesLeft() = %d, want 0", left)
	}
	m.CheckInvariant()
}

// TestScan_Shuffled resumes against a shuffled disk: piece 2's bytes physically
// sit at slot 0, piece 0's at slot 1, piece 1's at slot 2. At each slot the
// scan only tries piece indices at or above that slot, so piece 2 is
// recovered at slot 0 while slots 1 and 2 (holding pieces below their slot
// index) come back FREE.
func TestScan_Shuffled(t *testing.T) {
	root := t.TempDir()
	pieces := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC")}
	mf := runningExampleManifest(t, pieces)
	mp := layout.New(mf)
	raw := slotio.New(mf, mp, root)

	mustWriteSlot(t, raw, 0, pieces[2])
	mustWriteSlot(t, raw, 1, pieces[0])
	mustWriteSlot(t, raw, 2, pieces[1])

	m := piecestore.New(mf, root)
	var mu sync.Mutex
	data := &piecestore.CheckerData{}
	have := freshHave(3)

	if err := m.Scan(&mu, data, have); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	want := map[int]int{0: 1, 1: 2, 2: 0}
	for piece, wantSlot := range want {
		if got := m.PieceSlot(piece); got != wantSlot {
			t.Errorf("PieceSlot(%d) = %d, want %d", piece, got, wantSlot)
		}
	}
	for p := 0; p < 3; p++ {
		if !have[p] {
			t.Errorf("have[%d] = false, want true", p)
		}
	}
	m.CheckInvariant()
}

// TestScan_Hole resumes with a hole: the last file is entirely
// missing (its virtual range exactly covers slot 2, so this is an
// unambiguous single-slot hole — the last file's bounds happen to align
// with a slot boundary in this manifest, unlike the middle file).
func TestScan_Hole(t *testing.T) {
	root := t.TempDir()
	content := []byte("AAAABBBBCCCC")
	pieces := [][]byte{content[0:4], content[4:8], content[8:12]}
	mf := runningExampleManifest(t, pieces)

	writeFile(t, root, "a", content[0:3])
	writeFile(t, root, "b", content[3:8])
	// "c" deliberately not written.

	m := piecestore.New(mf, root)
	var mu sync.Mutex
	data := &piecestore.CheckerData{}
	have := freshHave(3)

	if err := m.Scan(&mu, data, have); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if got := m.PieceSlot(0); got != 0 {
		t.Errorf("PieceSlot(0) = %d, want 0", got)
	}
	if got := m.PieceSlot(1); got != 1 {
		t.Errorf("PieceSlot(1) = %d, want 1", got)
	}
	if got := m.PieceSlot(2); got != -1 {
		t.Errorf("PieceSlot(2) = %d, want -1 (unallocated)", got)
	}
	if left := m.BytesLeft(); left != mf.PieceSize(2) {
		t.Errorf("BytesLeft() = %d, want %d", left, mf.PieceSize(2))
	}
	m.CheckInvariant()
}

// TestSwapOnCollision forces the collision-swap path. Piece 2's bytes sit at
// slot 0 (so scan binds piece 2 there); pieces 0 and 1 never appear on
// disk, so their slots come back FREE. Writing piece 0 then must bind
// it to its natural slot (0) by relocating piece 2 out of the way.
func TestSwapOnCollision(t *testing.T) {
	root := t.TempDir()
	pieces := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC")}
	mf := runningExampleManifest(t, pieces)
	mp := layout.New(mf)
	raw := slotio.New(mf, mp, root)

	mustWriteSlot(t, raw, 0, pieces[2])     // slot 0 holds piece 2's content
	mustWriteSlot(t, raw, 1, []byte("XXXX")) // matches nothing
	mustWriteSlot(t, raw, 2, []byte("YYYY")) // matches nothing

	m := piecestore.New(mf, root)
	var mu sync.Mutex
	data := &piecestore.CheckerData{}
	have := freshHave(3)
	if err := m.Scan(&mu, data, have); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if got := m.PieceSlot(2); got != 0 {
		t.Fatalf("precondition: PieceSlot(2) = %d, want 0", got)
	}
	if got := m.PieceSlot(0); got != -1 {
		t.Fatalf("precondition: PieceSlot(0) = %d, want -1", got)
	}

	if err := m.Write([]byte("AAAA"), 0, 0, 4); err != nil {
		t.Fatalf("Write(piece 0) error = %v", err)
	}

	if got := m.PieceSlot(0); got != 0 {
		t.Errorf("PieceSlot(0) after swap = %d, want 0 (natural slot reclaimed)", got)
	}

	buf := make([]byte, 4)
	if _, err := m.Read(buf, 0, 0, 4); err != nil {
		t.Fatalf("Read(piece 0) error = %v", err)
	}
	if string(buf) != "AAAA" {
		t.Errorf("Read(piece 0) = %q, want AAAA", buf)
	}

	relocated := m.PieceSlot(2)
	if relocated == 0 {
		t.Fatalf("PieceSlot(2) still 0 after collision swap, should have moved")
	}
	if _, err := m.Read(buf, 2, 0, 4); err != nil {
		t.Fatalf("Read(piece 2) error = %v", err)
	}
	if string(buf) != "CCCC" {
		t.Errorf("Read(piece 2) after swap = %q, want CCCC (content must follow the relocation)", buf)
	}

	m.CheckInvariant()
}

// TestShortSlotGuard checks that a short last slot must
// never absorb a non-short piece even when it is the only free slot.
func TestShortSlotGuard(t *testing.T) {
	root := t.TempDir()
	files := []manifest.File{
		{Path: []string{"d0"}, Length: 4},
		{Path: []string{"d1"}, Length: 4},
		{Path: []string{"d2"}, Length: 1},
	}
	digests := make([]byte, 3*manifest.HashSize) // content never verified in this test
	mf, err := manifest.New(files, 4, digests)
	if err != nil {
		t.Fatalf("manifest.New() error = %v", err)
	}

	// d0, d1 are left absent (slots 0, 1 become unallocated); d2 exists
	// but its one byte matches no digest, so slot 2 (the short slot)
	// comes back FREE — the only free slot before the guard kicks in.
	writeFile(t, root, "d2", []byte{0xFF})

	m := piecestore.New(mf, root)
	var mu sync.Mutex
	data := &piecestore.CheckerData{}
	have := freshHave(3)
	if err := m.Scan(&mu, data, have); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if got := m.PieceSlot(2); got != -1 {
		t.Fatalf("precondition: PieceSlot(2) = %d, want -1 (unbound, slot free)", got)
	}

	if err := m.Write([]byte("AAAA"), 0, 0, 4); err != nil {
		t.Fatalf("Write(piece 0) error = %v", err)
	}

	if got := m.PieceSlot(0); got == 2 {
		t.Errorf("PieceSlot(0) = 2, the short slot must never bind a non-short piece")
	}

	m.CheckInvariant()
}

// TestAllocateSlots_Idempotent: two
// successive AllocateSlots calls with n exceeding the remaining
// unallocated count leave identical observable state.
func TestAllocateSlots_Idempotent(t *testing.T) {
	root := t.TempDir()
	mf := runningExampleManifest(t, [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC")})
	m := piecestore.New(mf, root)

	if err := m.AllocateSlots(10); err != nil {
		t.Fatalf("AllocateSlots(10) #1 error = %v", err)
	}
	first := m.BytesLeft()

	if err := m.AllocateSlots(10); err != nil {
		t.Fatalf("AllocateSlots(10) #2 error = %v", err)
	}
	second := m.BytesLeft()

	if first != second {
		t.Errorf("BytesLeft() changed across idempotent AllocateSlots calls: %d != %d", first, second)
	}
	m.CheckInvariant()
}

// TestWrite_LastPieceFillsExactlyShortLength:
// writing the last (short) piece at offset 0 must fill exactly its
// short length, not the nominal piece length, and writing past a
// slot's capacity truncates silently instead of erroring.
func TestWrite_LastPieceFillsExactlyShortLength(t *testing.T) {
	root := t.TempDir()
	files := []manifest.File{{Path: []string{"solo"}, Length: 9}}
	mf, err := manifest.New(files, 4, make([]byte, 3*manifest.HashSize))
	if err != nil {
		t.Fatalf("manifest.New() error = %v", err)
	}
	if got := mf.PieceSize(2); got != 1 {
		t.Fatalf("PieceSize(2) = %d, want 1", got)
	}

	m := piecestore.New(mf, root)

	// Ask to write 4 bytes into the short last piece; only 1 should land.
	if err := m.Write([]byte{1, 2, 3, 4}, 2, 0, 4); err != nil {
		t.Fatalf("Write(piece 2) error = %v", err)
	}

	solo, err := os.ReadFile(filepath.Join(root, "solo"))
	if err != nil {
		t.Fatalf("read solo: %v", err)
	}
	if len(solo) != 9 {
		t.Fatalf("file length = %d, want 9", len(solo))
	}
	if solo[8] != 1 {
		t.Errorf("last byte = %d, want 1 (only the first requested byte should land)", solo[8])
	}

	buf := make([]byte, 4)
	n, err := m.Read(buf, 2, 0, 4)
	if err != nil {
		t.Fatalf("Read(piece 2) error = %v", err)
	}
	if n != 1 {
		t.Errorf("Read(piece 2) n = %d, want 1 (short piece truncates the request)", n)
	}
}

// TestScan_DuplicateDemotion: two slots hold byte-identical content
// matching the same piece's digest. The later slot (in ascending scan
// order) wins the binding; the earlier one is demoted to FREE, and
// bytes_left is decremented only once.
func TestScan_DuplicateDemotion(t *testing.T) {
	root := t.TempDir()
	files := []manifest.File{
		{Path: []string{"d0"}, Length: 4},
		{Path: []string{"d1"}, Length: 4},
		{Path: []string{"d2"}, Length: 4},
	}
	piece1 := []byte("BBBB")
	h := sha1.Sum(piece1)
	digests := make([]byte, 3*manifest.HashSize)
	copy(digests[1*manifest.HashSize:2*manifest.HashSize], h[:])

	mf, err := manifest.New(files, 4, digests)
	if err != nil {
		t.Fatalf("manifest.New() error = %v", err)
	}

	// Slots 0 and 1 both hold piece 1's bytes; slot 2 matches nothing.
	writeFile(t, root, "d0", piece1)
	writeFile(t, root, "d1", piece1)
	writeFile(t, root, "d2", []byte("ZZZZ"))

	m := piecestore.New(mf, root)
	var mu sync.Mutex
	data := &piecestore.CheckerData{}
	have := freshHave(3)
	if err := m.Scan(&mu, data, have); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if got := m.PieceSlot(1); got != 1 {
		t.Errorf("PieceSlot(1) = %d, want 1 (the later, surviving slot)", got)
	}
	if left := m.BytesLeft(); left != mf.PieceSize(0)+mf.PieceSize(2) {
		t.Errorf("BytesLeft() = %d, want %d (piece 1 counted only once)", left, mf.PieceSize(0)+mf.PieceSize(2))
	}
	m.CheckInvariant()
}

// TestScan_Abort exercises cancellation: setting Abort before the scan
// starts must return ErrAborted without completing the walk.
func TestScan_Abort(t *testing.T) {
	root := t.TempDir()
	mf := runningExampleManifest(t, [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC")})
	m := piecestore.New(mf, root)

	var mu sync.Mutex
	data := &piecestore.CheckerData{Abort: true}
	have := freshHave(3)

	err := m.Scan(&mu, data, have)
	if err == nil {
		t.Fatal("Scan() with Abort set returned nil error, want ErrAborted")
	}
	if !errors.Is(err, piecestore.ErrAborted) {
		t.Errorf("Scan() error = %v, want ErrAborted", err)
	}
}

// TestRoundTrip_InterleavedWrites: writing a piece and reading it back
// must be unaffected by unrelated writes to other pieces in between.
func TestRoundTrip_InterleavedWrites(t *testing.T) {
	root := t.TempDir()
	mf := runningExampleManifest(t, [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC")})
	m := piecestore.New(mf, root)

	if err := m.Write([]byte("AAAA"), 0, 0, 4); err != nil {
		t.Fatalf("Write(piece 0) error = %v", err)
	}
	if err := m.Write([]byte("BBBB"), 1, 0, 4); err != nil {
		t.Fatalf("Write(piece 1) error = %v", err)
	}
	if err := m.Write([]byte("CCCC"), 2, 0, 4); err != nil {
		t.Fatalf("Write(piece 2) error = %v", err)
	}

	buf := make([]byte, 4)
	if _, err := m.Read(buf, 0, 0, 4); err != nil {
		t.Fatalf("Read(piece 0) error = %v", err)
	}
	if string(buf) != "AAAA" {
		t.Errorf("Read(piece 0) = %q, want AAAA (must survive interleaved writes to pieces 1 and 2)", buf)
	}
}

func writeFile(t *testing.T, root, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), content, 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
}

func mustWriteSlot(t *testing.T, io *slotio.IO, slot int, content []byte) {
	t.Helper()
	if err := io.Write(content, slot, 0, len(content)); err != nil {
		t.Fatalf("write slot %d fixture: %v", slot, err)
	}
}
