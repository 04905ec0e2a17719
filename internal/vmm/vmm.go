// Package vmm implements paging and virtual memory management: a
// page-table tree, map/unmap/protect/flush, PAE/NX, guard pages, and
// large pages. There is only one address space in the core;
// per-process "address spaces" are logical views registered against
// the same page tree, modeled here as AddressSpace values that share
// one PageTable.
package vmm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/jsos/internal/kerr"
)

const (
	PageSize      = 4096
	LargePageSize = 2 * 1024 * 1024
)

// Attrs are the per-mapping flags.
type Attrs struct {
	Present    bool
	Writable   bool
	User       bool // false = kernel-only
	Executable bool // only meaningful once NX is enabled
	LargePage  bool
	Cacheable  bool
}

// mapping is one resolved virtual-to-physical translation.
type mapping struct {
	phys  uint64
	attrs Attrs
}

// PageTable is the single page-table tree the core maintains. A
// virtual address has at most one physical mapping at a time;
// re-mapping an already-present VA without first calling Unmap is
// rejected as "exists".
type PageTable struct {
	mu      sync.Mutex
	entries map[uint64]mapping // keyed by page-aligned VA
	nxEnabled bool
	paeEnabled bool
}

func New() *PageTable {
	return &PageTable{entries: make(map[uint64]mapping)}
}

// EnablePAE/EnableNX record that the boot sequence has turned on PAE
// and, when CPUID reports support, NX. Map stores Attrs as given and
// does not consult either flag; NXEnforced reports whether NX is on,
// since without NX every present page is executable on real hardware.
func (pt *PageTable) EnablePAE() { pt.mu.Lock(); pt.paeEnabled = true; pt.mu.Unlock() }
func (pt *PageTable) EnableNX()  { pt.mu.Lock(); pt.nxEnabled = true; pt.mu.Unlock() }

func (pt *PageTable) NXEnforced() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.nxEnabled
}

func alignedDown(addr uint64, size uint64) uint64 { return addr &^ (size - 1) }

// Map installs a VA->PA translation. Large-page mappings are offered
// for contiguous kernel regions; they occupy a single 2 MiB-aligned
// entry.
func (pt *PageTable) Map(va, pa uint64, attrs Attrs) error {
	pageSize := uint64(PageSize)
	if attrs.LargePage {
		pageSize = LargePageSize
	}
	if va%pageSize != 0 || pa%pageSize != 0 {
		return kerr.New(kerr.InvalidArgument, "vmm.Map", fmt.Errorf("va/pa must be %d-aligned", pageSize))
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.entries[va]; ok {
		return kerr.New(kerr.Exists, "vmm.Map", fmt.Errorf("va %#x already mapped", va))
	}
	if attrs.LargePage {
		for k := range pt.entries {
			if k > va && k < va+LargePageSize {
				return kerr.New(kerr.Exists, "vmm.Map", fmt.Errorf("va %#x overlaps mapping at %#x", va, k))
			}
		}
	} else if m, ok := pt.entries[alignedDown(va, LargePageSize)]; ok && m.attrs.LargePage {
		return kerr.New(kerr.Exists, "vmm.Map", fmt.Errorf("va %#x inside a large-page mapping", va))
	}
	pt.entries[va] = mapping{phys: pa, attrs: attrs}
	return nil
}

// Unmap removes a translation, turning the VA into a non-present hole
// — used both for ordinary teardown and to carve guard pages.
func (pt *PageTable) Unmap(va uint64) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.entries[va]; !ok {
		return kerr.New(kerr.NotFound, "vmm.Unmap", fmt.Errorf("va %#x not mapped", va))
	}
	delete(pt.entries, va)
	return nil
}

// Protect changes the attributes of an already-present mapping.
func (pt *PageTable) Protect(va uint64, attrs Attrs) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	m, ok := pt.entries[va]
	if !ok {
		return kerr.New(kerr.NotFound, "vmm.Protect", fmt.Errorf("va %#x not mapped", va))
	}
	m.attrs = attrs
	pt.entries[va] = m
	return nil
}

// Translate resolves va to its current mapping, or ok=false if the VA
// is a hole (unmapped or a guard page).
func (pt *PageTable) Translate(va uint64) (phys uint64, attrs Attrs, ok bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pageVA := alignedDown(va, PageSize)
	if m, found := pt.entries[pageVA]; found {
		offset := va - pageVA
		return m.phys + offset, m.attrs, true
	}
	largeVA := alignedDown(va, LargePageSize)
	if m, found := pt.entries[largeVA]; found && m.attrs.LargePage {
		offset := va - largeVA
		return m.phys + offset, m.attrs, true
	}
	return 0, Attrs{}, false
}

// Flush and FlushAll are no-ops on a software page table (there is no
// real TLB to invalidate) but are kept as explicit operations so
// callers write the same "flush after remap" sequence a real INVLPG/
// CR3-reload driven kernel would.
func (pt *PageTable) Flush(va uint64)  {}
func (pt *PageTable) FlushAll()        {}

// MapGuarded maps a usable region bracketed by non-present guard
// pages, as returned by pmm.Allocator.AllocGuarded — it deliberately
// never maps the guard addresses, so any access through them resolves
// to ok=false in Translate (touching the guard faults with CR2
// pointing at it).
func (pt *PageTable) MapGuarded(vaBase uint64, phys []uint64, attrs Attrs) error {
	// phys[0] and phys[len-1] are the guard frames' addresses (left
	// unmapped); the usable frames are phys[1:len-1].
	if len(phys) < 3 {
		return kerr.New(kerr.InvalidArgument, "vmm.MapGuarded", fmt.Errorf("need at least one usable frame plus two guards"))
	}
	for i, pa := range phys[1 : len(phys)-1] {
		va := vaBase + uint64(i+1)*PageSize
		if err := pt.Map(va, pa, attrs); err != nil {
			return err
		}
	}
	return nil
}

// AddressSpace is a process's logical view into the shared
// PageTable: process address spaces are logical views into the same
// page tree.
type AddressSpace struct {
	pt   *PageTable
	Root uint64 // CR3-equivalent identifier, unique per logical space
}

func NewAddressSpace(pt *PageTable, root uint64) *AddressSpace {
	return &AddressSpace{pt: pt, Root: root}
}

func (as *AddressSpace) Map(va, pa uint64, attrs Attrs) error { return as.pt.Map(va, pa, attrs) }
func (as *AddressSpace) Unmap(va uint64) error                { return as.pt.Unmap(va) }
func (as *AddressSpace) Translate(va uint64) (uint64, Attrs, bool) {
	return as.pt.Translate(va)
}
