package queue

import (
	"testing"

	"github.com/unvme-go/unvme/unvmeerr"
)

func TestDescriptorTableAllocIsLowestFree(t *testing.T) {
	dt := NewDescriptorTable(4)

	_, c0, err := dt.Alloc()
	if err != nil || c0 != 0 {
		t.Fatalf("first alloc: cid=%d err=%v, want cid=0", c0, err)
	}
	_, c1, err := dt.Alloc()
	if err != nil || c1 != 1 {
		t.Fatalf("second alloc: cid=%d err=%v, want cid=1", c1, err)
	}

	dt.Release(0)
	_, c2, err := dt.Alloc()
	if err != nil || c2 != 0 {
		t.Fatalf("alloc after release(0): cid=%d err=%v, want cid=0 (lowest free)", c2, err)
	}
}

func TestDescriptorTableQueueFull(t *testing.T) {
	dt := NewDescriptorTable(2)
	if _, _, err := dt.Alloc(); err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	if _, _, err := dt.Alloc(); err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	if _, _, err := dt.Alloc(); !unvmeerr.Is(err, unvmeerr.QueueFull) {
		t.Fatalf("alloc 3 on full table: got %v, want QUEUE_FULL", err)
	}
}

func TestDescriptorTableInFlight(t *testing.T) {
	dt := NewDescriptorTable(8)
	for i := 0; i < 5; i++ {
		if _, _, err := dt.Alloc(); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if got := dt.InFlight(); got != 5 {
		t.Fatalf("InFlight() = %d, want 5", got)
	}
	dt.Release(2)
	if got := dt.InFlight(); got != 4 {
		t.Fatalf("InFlight() after release = %d, want 4", got)
	}
}
