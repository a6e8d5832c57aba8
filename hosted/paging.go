package hosted

import (
	"maps"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/ZenLiuCN/kload"
)

// Memory resolves physical addresses to bytes.
type Memory interface {
	Bytes(phys kload.PhysAddr, size uint32) ([]byte, error)
}

// PageTable is a per-directory map of virtual pages to physical frames.
type PageTable struct {
	mu   sync.Mutex
	mem  Memory
	dirs map[kload.PageDirectory]map[kload.VirtAddr]mapping
}

type mapping struct {
	phys  kload.PhysAddr
	flags kload.PageFlags
}

func NewPageTable(mem Memory) *PageTable {
	return &PageTable{mem: mem, dirs: map[kload.PageDirectory]map[kload.VirtAddr]mapping{}}
}

func aligned[T ~uintptr](a T) bool { return a%kload.PageSize == 0 }

// Map maps the pages covering [virt, virt+size) onto contiguous frames starting at phys.
// virt need not be page aligned: the page holding virt maps to phys. No page of the range
// may already be mapped.
func (t *PageTable) Map(dir kload.PageDirectory, phys kload.PhysAddr, virt kload.VirtAddr, size uint32, flags kload.PageFlags) error {
	if !aligned(phys) {
		return errors.Errorf("map %#x -> %#x: frame not page aligned", virt, phys)
	}
	if flags&kload.PagePresent == 0 {
		return errors.Errorf("map %#x: page not present", virt)
	}
	base, pages := span(virt, size)
	if uint64(base)+pages*kload.PageSize > 1<<32 {
		return errors.Errorf("map %#x+%#x: beyond the 32-bit address space", virt, size)
	}
	if _, err := t.mem.Bytes(phys, uint32(pages*kload.PageSize)); err != nil {
		return errors.Wrapf(err, "map %#x", virt)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pt := t.dirs[dir]
	if pt == nil {
		pt = map[kload.VirtAddr]mapping{}
		t.dirs[dir] = pt
	}
	for i := uint64(0); i < pages; i++ {
		v := base + kload.VirtAddr(i*kload.PageSize)
		if _, ok := pt[v]; ok {
			return errors.Errorf("map %#x: page %#x already mapped", virt, v)
		}
	}
	for i := uint64(0); i < pages; i++ {
		off := kload.PhysAddr(i * kload.PageSize)
		pt[base+kload.VirtAddr(off)] = mapping{phys: phys + off, flags: flags}
	}
	return nil
}

// Unmap removes the single page holding virt.
func (t *PageTable) Unmap(dir kload.PageDirectory, virt kload.VirtAddr) error {
	page := virt &^ (kload.PageSize - 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	pt := t.dirs[dir]
	if _, ok := pt[page]; !ok {
		return errors.Errorf("unmap %#x: not mapped", virt)
	}
	delete(pt, page)
	if len(pt) == 0 {
		delete(t.dirs, dir)
	}
	return nil
}

// View returns the bytes behind [virt, virt+size). The pages covering it must be backed by
// contiguous frames.
func (t *PageTable) View(dir kload.PageDirectory, virt kload.VirtAddr, size uint32) ([]byte, error) {
	base, pages := span(virt, size)
	t.mu.Lock()
	defer t.mu.Unlock()
	pt := t.dirs[dir]
	first, ok := pt[base]
	if !ok {
		return nil, errors.Errorf("view %#x: not mapped", virt)
	}
	for i := uint64(1); i < pages; i++ {
		v := base + kload.VirtAddr(i*kload.PageSize)
		m, ok := pt[v]
		if !ok {
			return nil, errors.Errorf("view %#x: page %#x not mapped", virt, v)
		}
		if m.phys != first.phys+kload.PhysAddr(i*kload.PageSize) {
			return nil, errors.Errorf("view %#x: frames not contiguous at %#x", virt, v)
		}
	}
	return t.mem.Bytes(first.phys+kload.PhysAddr(virt-base), size)
}

// span is the first page and the page count of [virt, virt+size), at least one page.
func span(virt kload.VirtAddr, size uint32) (kload.VirtAddr, uint64) {
	base := virt &^ (kload.PageSize - 1)
	pages := (uint64(virt-base) + uint64(size) + kload.PageSize - 1) / kload.PageSize
	return base, max(pages, 1)
}

// Translate finds the frame behind a virtual address.
func (t *PageTable) Translate(dir kload.PageDirectory, virt kload.VirtAddr) (kload.PhysAddr, kload.PageFlags, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	page := virt &^ (kload.PageSize - 1)
	m, ok := t.dirs[dir][page]
	if !ok {
		return 0, 0, false
	}
	return m.phys + kload.PhysAddr(virt-page), m.flags, true
}

// Pages lists the mapped pages of dir in ascending order.
func (t *PageTable) Pages(dir kload.PageDirectory) []kload.VirtAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.dirs[dir]))
}
