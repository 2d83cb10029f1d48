package guestmem

import (
	"errors"
	"testing"
)

func TestAllocAlignmentAndVisibility(t *testing.T) {
	a := NewArena(64 * 1024)

	r1, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if r1.GPA == 0 {
		t.Fatal("allocation at GPA 0")
	}
	if r1.GPA%PageSize != 0 {
		t.Errorf("GPA %#x not page-aligned", r1.GPA)
	}
	if len(r1.Mem) != 100 {
		t.Errorf("region length = %d, want 100", len(r1.Mem))
	}

	r2, err := a.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if r2.GPA != r1.GPA+PageSize {
		t.Errorf("second GPA = %#x, want %#x", r2.GPA, r1.GPA+PageSize)
	}

	// Writes through the region are visible when the GPA is resolved.
	r1.Mem[0] = 0xAB
	resolved, err := a.At(r1.GPA, 1)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if resolved[0] != 0xAB {
		t.Error("write through region not visible at GPA")
	}
}

func TestAtRejectsBadRanges(t *testing.T) {
	a := NewArena(2 * PageSize)
	r, err := a.Alloc(PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.At(0, 4); !errors.Is(err, ErrBadAddress) {
		t.Errorf("null gpa: %v", err)
	}
	if _, err := a.At(r.GPA, uint32(a.Size())+1); !errors.Is(err, ErrBadAddress) {
		t.Errorf("overlong range: %v", err)
	}
	if _, err := a.At(^uint64(0)-2, 8); !errors.Is(err, ErrBadAddress) {
		t.Errorf("wrapping range: %v", err)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := NewArena(PageSize)
	if _, err := a.Alloc(PageSize); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(1); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("err = %v, want ErrOutOfMemory", err)
	}
	if _, err := a.Alloc(0); err == nil {
		t.Error("zero-size allocation accepted")
	}
}
