package dma

import (
	"encoding/binary"

	"github.com/unvme-go/unvme/unvmeerr"
)

// PageSize is the page granularity PRP construction and the page-slab
// allocator both assume.
const PageSize = pageSize

// PRPPages is a fixed-size slab of one-page DMA regions allocated at
// queue creation time (one per descriptor slot), so submitting a
// multi-page transfer never allocates on the hot path (spec §9 design
// note, "PRP-list pages as a pool").
type PRPPages struct {
	pool  *Pool
	free  []*Region
}

// NewPRPPages carves depth single pages out of pool up front.
func NewPRPPages(pool *Pool, depth int) (*PRPPages, error) {
	p := &PRPPages{pool: pool}
	for i := 0; i < depth; i++ {
		r, err := pool.Alloc(PageSize)
		if err != nil {
			return nil, unvmeerr.New(unvmeerr.OOM, "prp_pages_init", "allocate PRP-list page %d/%d: %v", i, depth, err)
		}
		p.free = append(p.free, r)
	}
	return p, nil
}

// Take removes one page from the free list, or returns nil if the slab
// is exhausted (a queue-depth-sized slab never runs out in normal use,
// since at most one PRP-list page is outstanding per in-flight command).
func (p *PRPPages) Take() *Region {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	r := p.free[n-1]
	p.free = p.free[:n-1]
	return r
}

// Return releases a page back to the free list once its owning IOD
// completes.
func (p *PRPPages) Return(r *Region) {
	p.free = append(p.free, r)
}

// BuildPRP computes PRP1/PRP2 for a transfer of length bytes starting at
// buf (spec §3, "Command fingerprint (PRP layout)"). buf must be
// page-aligned, as every caller I/O buffer in this driver is.
//
// If the transfer spans at most two pages, PRP2 is the IOVA of the
// second page directly (or zero if the transfer fits in one page). For
// longer transfers a PRP-list page is taken from pages, filled with the
// IOVAs of pages 2..K, and its IOVA becomes PRP2; the list page is
// returned to the caller so it can be released back to pages once the
// command completes.
func BuildPRP(pool *Pool, pages *PRPPages, buf *Region, length int) (prp1, prp2 uint64, listPage *Region, err error) {
	if length <= 0 || length > buf.Size {
		return 0, 0, nil, unvmeerr.New(unvmeerr.BadArg, "build_prp", "length %d out of range for %d-byte buffer", length, buf.Size)
	}

	prp1 = buf.IOVA
	numPages := (length + PageSize - 1) / PageSize
	if numPages <= 1 {
		return prp1, 0, nil, nil
	}
	if numPages == 2 {
		return prp1, buf.IOVAOfOffset(PageSize), nil, nil
	}

	listPage = pages.Take()
	if listPage == nil {
		return 0, 0, nil, unvmeerr.New(unvmeerr.OOM, "build_prp", "PRP-list page pool exhausted")
	}
	list := listPage.Bytes()
	for i := 1; i < numPages; i++ {
		binary.LittleEndian.PutUint64(list[(i-1)*8:], buf.IOVAOfOffset(i*PageSize))
	}
	return prp1, listPage.IOVA, listPage, nil
}
