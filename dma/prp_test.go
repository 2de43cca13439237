package dma

import (
	"encoding/binary"
	"testing"

	"github.com/unvme-go/unvme/pcidev"
)

func TestBuildPRPSinglePage(t *testing.T) {
	pool := NewPool(pcidev.NewFakeDevice(1 << 20))
	pages, err := NewPRPPages(pool, 4)
	if err != nil {
		t.Fatalf("NewPRPPages: %v", err)
	}
	buf, err := pool.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	prp1, prp2, list, err := BuildPRP(pool, pages, buf, PageSize)
	if err != nil {
		t.Fatalf("BuildPRP: %v", err)
	}
	if prp1 != buf.IOVA {
		t.Fatalf("PRP1 = %#x, want %#x", prp1, buf.IOVA)
	}
	if prp2 != 0 {
		t.Fatalf("PRP2 = %#x, want 0 for a single-page transfer", prp2)
	}
	if list != nil {
		t.Fatalf("listPage = %v, want nil for a single-page transfer", list)
	}
}

func TestBuildPRPTwoPages(t *testing.T) {
	pool := NewPool(pcidev.NewFakeDevice(1 << 20))
	pages, _ := NewPRPPages(pool, 4)
	buf, err := pool.Alloc(2 * PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	prp1, prp2, list, err := BuildPRP(pool, pages, buf, 2*PageSize)
	if err != nil {
		t.Fatalf("BuildPRP: %v", err)
	}
	if prp1 != buf.IOVA {
		t.Fatalf("PRP1 = %#x, want %#x", prp1, buf.IOVA)
	}
	if want := buf.IOVAOfOffset(PageSize); prp2 != want {
		t.Fatalf("PRP2 = %#x, want %#x (second page IOVA directly)", prp2, want)
	}
	if list != nil {
		t.Fatalf("listPage = %v, want nil for a two-page transfer (spec §3)", list)
	}
}

func TestBuildPRPListPageHoldsRemainingIOVAs(t *testing.T) {
	pool := NewPool(pcidev.NewFakeDevice(4 << 20))
	pages, _ := NewPRPPages(pool, 4)
	const numPages = 16
	buf, err := pool.Alloc(numPages * PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	prp1, prp2, list, err := BuildPRP(pool, pages, buf, numPages*PageSize)
	if err != nil {
		t.Fatalf("BuildPRP: %v", err)
	}
	if prp1 != buf.IOVA {
		t.Fatalf("PRP1 = %#x, want %#x", prp1, buf.IOVA)
	}
	if list == nil {
		t.Fatalf("listPage = nil, want a PRP-list page for a %d-page transfer", numPages)
	}
	if prp2 != list.IOVA {
		t.Fatalf("PRP2 = %#x, want the list page's IOVA %#x", prp2, list.IOVA)
	}

	listBytes := list.Bytes()
	for i := 1; i < numPages; i++ {
		got := binary.LittleEndian.Uint64(listBytes[(i-1)*8:])
		want := buf.IOVAOfOffset(i * PageSize)
		if got != want {
			t.Fatalf("list entry %d = %#x, want %#x", i-1, got, want)
		}
	}
}

func TestPRPPagesTakeReturn(t *testing.T) {
	pool := NewPool(pcidev.NewFakeDevice(1 << 20))
	pages, err := NewPRPPages(pool, 1)
	if err != nil {
		t.Fatalf("NewPRPPages: %v", err)
	}

	p := pages.Take()
	if p == nil {
		t.Fatalf("Take() = nil, want a page")
	}
	if pages.Take() != nil {
		t.Fatalf("Take() on exhausted slab: want nil")
	}
	pages.Return(p)
	if pages.Take() == nil {
		t.Fatalf("Take() after Return: want a page")
	}
}
