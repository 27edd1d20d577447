package tune

import (
	"errors"
	"hash/crc32"
	"reflect"
	"testing"
)

func TestMemoryBounds(t *testing.T) {
	m := NewMemory([]int{16, 64})

	if n := m.PageCount(); n != 2 {
		t.Fatalf("PageCount = %d", n)
	}
	if sz, err := m.PageSize(1); err != nil || sz != 64 {
		t.Fatalf("PageSize(1) = %d, %v", sz, err)
	}
	if _, err := m.PageSize(2); !errors.Is(err, ErrPageRange) {
		t.Fatalf("PageSize(2) err = %v", err)
	}

	if err := m.WriteBytes(0, 10, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got, err := m.ReadBytes(0, 10, 3)
	if err != nil || !reflect.DeepEqual(got, []byte{1, 2, 3}) {
		t.Fatalf("ReadBytes = %v, %v", got, err)
	}

	if _, err := m.ReadBytes(0, 14, 4); !errors.Is(err, ErrByteRange) {
		t.Fatalf("read past end err = %v", err)
	}
	if _, err := m.ReadBytes(0, -1, 2); !errors.Is(err, ErrByteRange) {
		t.Fatalf("negative offset err = %v", err)
	}
	if _, err := m.ReadBytes(5, 0, 1); !errors.Is(err, ErrPageRange) {
		t.Fatalf("bad page err = %v", err)
	}
}

func TestWriteBeyondBoundsMutatesNothing(t *testing.T) {
	m := NewMemory([]int{16})
	if err := m.WriteBytes(0, 0, []byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	before, _ := m.Snapshot(0)

	err := m.WriteBytes(0, 14, []byte{1, 2, 3, 4})
	if !errors.Is(err, ErrByteRange) {
		t.Fatalf("err = %v, want ErrByteRange", err)
	}
	after, _ := m.Snapshot(0)
	if !reflect.DeepEqual(before, after) {
		t.Error("failed write changed page contents")
	}
}

func TestLoadPage(t *testing.T) {
	m := NewMemory([]int{4})
	if err := m.LoadPage(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("LoadPage: %v", err)
	}
	got, _ := m.ReadBytes(0, 0, 4)
	if !reflect.DeepEqual(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("page = %v", got)
	}
	if err := m.LoadPage(0, []byte{1, 2}); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("short load err = %v", err)
	}
	if err := m.LoadPage(3, []byte{1}); !errors.Is(err, ErrPageRange) {
		t.Fatalf("bad page err = %v", err)
	}
}

func TestPageCRC(t *testing.T) {
	m := NewMemory([]int{8})
	if err := m.LoadPage(0, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}
	want := crc32.ChecksumIEEE([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if got, err := m.PageCRC(0); err != nil || got != want {
		t.Fatalf("PageCRC = 0x%08X, %v, want 0x%08X", got, err, want)
	}
}

func TestShadowMarking(t *testing.T) {
	s := NewShadow()
	s.MarkDirty(1, 10, 4)

	for off := 10; off < 14; off++ {
		if !s.IsDirty(1, off) {
			t.Errorf("byte %d not dirty", off)
		}
	}
	if s.IsDirty(1, 9) || s.IsDirty(1, 14) {
		t.Error("bytes outside [10,14) marked")
	}
	if s.IsDirty(0, 10) {
		t.Error("wrong page marked")
	}
	if !s.HasChanges() {
		t.Error("HasChanges = false")
	}
	if n := s.Count(); n != 4 {
		t.Errorf("Count = %d, want 4", n)
	}

	s.Clear()
	if s.HasChanges() || s.IsDirty(1, 10) {
		t.Error("marks survived Clear")
	}
}

func TestShadowPagesAndRanges(t *testing.T) {
	s := NewShadow()
	s.MarkDirty(2, 8, 2)
	s.MarkDirty(0, 0, 1)
	s.MarkDirty(2, 10, 2) // adjacent, coalesces with [8,10)
	s.MarkDirty(2, 20, 1)
	s.MarkDirty(2, 9, 1) // overlap is idempotent

	if pages := s.DirtyPages(); !reflect.DeepEqual(pages, []int{0, 2}) {
		t.Fatalf("DirtyPages = %v", pages)
	}
	want := []Range{{Offset: 8, Length: 4}, {Offset: 20, Length: 1}}
	if got := s.Ranges(2); !reflect.DeepEqual(got, want) {
		t.Fatalf("Ranges(2) = %v, want %v", got, want)
	}
	if got := s.Ranges(1); got != nil {
		t.Fatalf("Ranges(1) = %v, want nil", got)
	}
	if n := s.Count(); n != 6 {
		t.Errorf("Count = %d, want 6 (five bytes on page 2 plus one on page 0)", n)
	}
}
