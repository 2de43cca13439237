package dma

import (
	"testing"

	"github.com/unvme-go/unvme/pcidev"
)

func TestPoolAllocRoundsUpToPageSize(t *testing.T) {
	pool := NewPool(pcidev.NewFakeDevice(1 << 16))
	r, err := pool.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if r.Size != pageSize {
		t.Fatalf("Size = %d, want %d", r.Size, pageSize)
	}
}

func TestPoolIOVAOfResolvesWithinRegion(t *testing.T) {
	pool := NewPool(pcidev.NewFakeDevice(1 << 16))
	r, err := pool.Alloc(8192)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	mid := r.Bytes()[100:101]
	iova, err := pool.IOVAOf(&mid[0])
	if err != nil {
		t.Fatalf("IOVAOf: %v", err)
	}
	if want := r.IOVAOfOffset(100); iova != want {
		t.Fatalf("IOVAOf = %#x, want %#x", iova, want)
	}
}

func TestPoolIOVAOfRejectsUnmappedAddress(t *testing.T) {
	pool := NewPool(pcidev.NewFakeDevice(1 << 16))
	if _, err := pool.Alloc(4096); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	stray := make([]byte, 16)
	if _, err := pool.IOVAOf(&stray[0]); err == nil {
		t.Fatalf("IOVAOf on unmapped address: want error, got nil")
	}
}

func TestPoolFreeThenIOVAOfFails(t *testing.T) {
	pool := NewPool(pcidev.NewFakeDevice(1 << 16))
	r, err := pool.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := pool.Free(r); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := pool.IOVAOf(r.VAddr); err == nil {
		t.Fatalf("IOVAOf after Free: want error, got nil")
	}
}
