// Package tune holds the local image of ECU page memory: raw page
// buffers, a dirty-byte shadow for the edit/sync workflow, and typed
// decode/encode of fields described by a definition. The types here do
// no locking; the owning session serializes access.
package tune

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
)

var (
	ErrPageRange    = errors.New("page index out of range")
	ErrByteRange    = errors.New("byte range out of page bounds")
	ErrSizeMismatch = errors.New("page size mismatch")
)

// Memory is the local copy of every ECU page. Buffers are allocated at
// their declared sizes up front and never change length.
type Memory struct {
	pages [][]byte
}

// NewMemory allocates zeroed pages with the given sizes.
func NewMemory(sizes []int) *Memory {
	m := &Memory{pages: make([][]byte, len(sizes))}
	for i, n := range sizes {
		m.pages[i] = make([]byte, n)
	}
	return m
}

// PageCount returns the number of pages.
func (m *Memory) PageCount() int { return len(m.pages) }

// PageSize returns the declared size of a page.
func (m *Memory) PageSize(page int) (int, error) {
	if page < 0 || page >= len(m.pages) {
		return 0, fmt.Errorf("%w: %d", ErrPageRange, page)
	}
	return len(m.pages[page]), nil
}

// ReadBytes copies n bytes starting at off. The whole range must lie
// inside the page.
func (m *Memory) ReadBytes(page, off, n int) ([]byte, error) {
	if err := m.checkRange(page, off, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.pages[page][off:off+n])
	return out, nil
}

// WriteBytes replaces len(data) bytes starting at off. Bounds are checked
// before any byte moves, so a failed write changes nothing.
func (m *Memory) WriteBytes(page, off int, data []byte) error {
	if err := m.checkRange(page, off, len(data)); err != nil {
		return err
	}
	copy(m.pages[page][off:], data)
	return nil
}

// LoadPage replaces a whole page buffer, as after a hardware read. The
// data length must equal the declared page size.
func (m *Memory) LoadPage(page int, data []byte) error {
	if page < 0 || page >= len(m.pages) {
		return fmt.Errorf("%w: %d", ErrPageRange, page)
	}
	if len(data) != len(m.pages[page]) {
		return fmt.Errorf("%w: page %d got %d bytes, want %d", ErrSizeMismatch, page, len(data), len(m.pages[page]))
	}
	copy(m.pages[page], data)
	return nil
}

// Snapshot copies a whole page.
func (m *Memory) Snapshot(page int) ([]byte, error) {
	if page < 0 || page >= len(m.pages) {
		return nil, fmt.Errorf("%w: %d", ErrPageRange, page)
	}
	out := make([]byte, len(m.pages[page]))
	copy(out, m.pages[page])
	return out, nil
}

// PageCRC is the CRC32 (IEEE) of the local page image, comparable with
// the checksum the ECU reports for its copy.
func (m *Memory) PageCRC(page int) (uint32, error) {
	if page < 0 || page >= len(m.pages) {
		return 0, fmt.Errorf("%w: %d", ErrPageRange, page)
	}
	return crc32.ChecksumIEEE(m.pages[page]), nil
}

func (m *Memory) checkRange(page, off, n int) error {
	if page < 0 || page >= len(m.pages) {
		return fmt.Errorf("%w: %d", ErrPageRange, page)
	}
	if off < 0 || n < 0 || off+n > len(m.pages[page]) {
		return fmt.Errorf("%w: page %d [%d,%d) of %d", ErrByteRange, page, off, off+n, len(m.pages[page]))
	}
	return nil
}

// Range is a contiguous dirty span within one page.
type Range struct {
	Offset int
	Length int
}

// Shadow records which bytes of the local image differ from what the ECU
// last confirmed. Marks accumulate across edits until Clear.
type Shadow struct {
	dirty map[int]map[int]struct{}
}

// NewShadow returns an empty shadow.
func NewShadow() *Shadow {
	return &Shadow{dirty: make(map[int]map[int]struct{})}
}

// MarkDirty marks bytes [off, off+n) of page.
func (s *Shadow) MarkDirty(page, off, n int) {
	if n <= 0 {
		return
	}
	set, ok := s.dirty[page]
	if !ok {
		set = make(map[int]struct{})
		s.dirty[page] = set
	}
	for i := off; i < off+n; i++ {
		set[i] = struct{}{}
	}
}

// IsDirty reports whether one byte is marked.
func (s *Shadow) IsDirty(page, off int) bool {
	_, ok := s.dirty[page][off]
	return ok
}

// HasChanges reports whether any byte anywhere is marked.
func (s *Shadow) HasChanges() bool {
	for _, set := range s.dirty {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// Count returns the total number of marked bytes.
func (s *Shadow) Count() int {
	n := 0
	for _, set := range s.dirty {
		n += len(set)
	}
	return n
}

// DirtyPages lists pages with marked bytes, ascending.
func (s *Shadow) DirtyPages() []int {
	var pages []int
	for page, set := range s.dirty {
		if len(set) > 0 {
			pages = append(pages, page)
		}
	}
	sort.Ints(pages)
	return pages
}

// Ranges coalesces a page's marked bytes into ordered contiguous spans,
// the unit the sync path writes to hardware.
func (s *Shadow) Ranges(page int) []Range {
	set := s.dirty[page]
	if len(set) == 0 {
		return nil
	}
	offs := make([]int, 0, len(set))
	for off := range set {
		offs = append(offs, off)
	}
	sort.Ints(offs)
	var out []Range
	cur := Range{Offset: offs[0], Length: 1}
	for _, off := range offs[1:] {
		if off == cur.Offset+cur.Length {
			cur.Length++
			continue
		}
		out = append(out, cur)
		cur = Range{Offset: off, Length: 1}
	}
	return append(out, cur)
}

// Clear drops every mark, as after a successful burn or sync.
func (s *Shadow) Clear() {
	s.dirty = make(map[int]map[int]struct{})
}
