package dma

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/unvme-go/unvme/pcidev"
	"github.com/unvme-go/unvme/unvmeerr"
)

const pageSize = 4096

// Pool allocates page-aligned, façade-mapped memory and resolves any
// address within a live allocation back to its IOVA. Regions are kept
// sorted by virtual base address so resolution is a binary search
// (grounded on the vhostuser device's findRegionByGuestAddr), not a
// linear scan over every outstanding allocation.
type Pool struct {
	mu      sync.Mutex
	dev     pcidev.Device
	regions []*Region // sorted by VAddr
}

// NewPool returns a pool that maps memory through dev.
func NewPool(dev pcidev.Device) *Pool {
	return &Pool{dev: dev}
}

// Alloc reserves size bytes (rounded up to a page) and DMA-maps them,
// returning a Region the caller can read/write and pass to BuildPRP.
func (p *Pool) Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, unvmeerr.New(unvmeerr.BadArg, "dma_alloc", "size must be positive, got %d", size)
	}
	pages := (size + pageSize - 1) / pageSize
	alloc := pages * pageSize

	// Over-allocate by one page and slice to a page-aligned window:
	// Go's allocator gives no alignment guarantee otherwise.
	raw := make([]byte, alloc+pageSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	pad := (pageSize - int(base%pageSize)) % pageSize
	buf := raw[pad : pad+alloc]

	vaddr := unsafe.Pointer(&buf[0])
	iova, err := p.dev.Map(vaddr, alloc)
	if err != nil {
		return nil, unvmeerr.New(unvmeerr.OOM, "dma_alloc", "map %d bytes: %v", alloc, err)
	}

	r := &Region{VAddr: vaddr, IOVA: iova, Size: alloc, buf: buf}

	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.search(uintptr(vaddr))
	p.regions = append(p.regions, nil)
	copy(p.regions[idx+1:], p.regions[idx:])
	p.regions[idx] = r
	return r, nil
}

// Free unmaps and releases a region previously returned by Alloc.
func (p *Pool) Free(r *Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.search(uintptr(r.VAddr))
	if idx >= len(p.regions) || p.regions[idx] != r {
		return unvmeerr.New(unvmeerr.BadArg, "dma_free", "region not owned by this pool")
	}
	if err := p.dev.Unmap(r.VAddr); err != nil {
		return err
	}
	p.regions = append(p.regions[:idx], p.regions[idx+1:]...)
	return nil
}

// IOVAOf resolves a virtual address that falls within some live region
// to its bus-visible IOVA.
func (p *Pool) IOVAOf(vaddr unsafe.Pointer) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := uintptr(vaddr)
	idx := p.search(addr)
	if idx < len(p.regions) && p.regions[idx].containsVAddr(addr) {
		r := p.regions[idx]
		return r.IOVAOfOffset(int(addr - uintptr(r.VAddr))), nil
	}
	return 0, unvmeerr.New(unvmeerr.BadArg, "iova_of", "address not within any mapped region")
}

// search returns the index of the first region whose end address is
// past addr (sort.Search over the end boundary, as vhostuser's device
// does for guest addresses).
func (p *Pool) search(addr uintptr) int {
	return sort.Search(len(p.regions), func(i int) bool {
		r := p.regions[i]
		return addr < uintptr(r.VAddr)+uintptr(r.Size)
	})
}
