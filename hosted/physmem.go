//go:build unix

package hosted

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ZenLiuCN/kload"
)

// PhysBase is the first simulated physical address, above the legacy low megabyte.
const PhysBase kload.PhysAddr = 0x100000

var ErrOutOfFrames = errors.New("out of physical frames")

// PhysMem is a page frame allocator over an anonymous mapping.
//
// Frames are handed out first fit; a request for n pages gets n contiguous frames.
type PhysMem struct {
	mu     sync.Mutex
	mem    []byte
	frames []bool // true when in use
}

// NewPhysMem maps frames pages of simulated physical memory.
func NewPhysMem(frames int) (*PhysMem, error) {
	if frames <= 0 {
		return nil, errors.Errorf("physical memory of %d frames", frames)
	}
	mem, err := unix.Mmap(-1, 0, frames*kload.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "map physical memory")
	}
	return &PhysMem{mem: mem, frames: make([]bool, frames)}, nil
}

func (p *PhysMem) AllocPages(count int) (kload.PhysAddr, error) {
	if count <= 0 {
		return 0, errors.Errorf("allocate %d pages", count)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	run := 0
	for i, used := range p.frames {
		if used {
			run = 0
			continue
		}
		run++
		if run == count {
			first := i - count + 1
			for j := first; j <= i; j++ {
				p.frames[j] = true
			}
			return PhysBase + kload.PhysAddr(first*kload.PageSize), nil
		}
	}
	return 0, errors.Wrapf(ErrOutOfFrames, "%d contiguous pages", count)
}

func (p *PhysMem) FreePages(phys kload.PhysAddr, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	first, err := p.frame(phys)
	if err != nil {
		return err
	}
	if count <= 0 || first+count > len(p.frames) {
		return errors.Errorf("free %d pages at %#x: out of range", count, phys)
	}
	for j := first; j < first+count; j++ {
		if !p.frames[j] {
			return errors.Errorf("free %d pages at %#x: frame %d not allocated", count, phys, j)
		}
	}
	for j := first; j < first+count; j++ {
		p.frames[j] = false
	}
	return nil
}

// Used is the number of allocated frames.
func (p *PhysMem) Used() (n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, used := range p.frames {
		if used {
			n++
		}
	}
	return
}

// Frames is the size of the arena in pages.
func (p *PhysMem) Frames() int { return len(p.frames) }

// Bytes exposes size bytes of physical memory starting at phys.
func (p *PhysMem) Bytes(phys kload.PhysAddr, size uint32) ([]byte, error) {
	if phys < PhysBase {
		return nil, errors.Errorf("physical address %#x below %#x", phys, PhysBase)
	}
	off := uint64(phys - PhysBase)
	if off+uint64(size) > uint64(len(p.mem)) {
		return nil, errors.Errorf("physical range %#x+%#x outside memory", phys, size)
	}
	return p.mem[off : off+uint64(size) : off+uint64(size)], nil
}

// Close unmaps the arena. Every slice from Bytes becomes invalid.
func (p *PhysMem) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem, p.frames = nil, nil
	return errors.Wrap(err, "unmap physical memory")
}

func (p *PhysMem) frame(phys kload.PhysAddr) (int, error) {
	if phys < PhysBase || (phys-PhysBase)%kload.PageSize != 0 {
		return 0, errors.Errorf("physical address %#x is not a frame", phys)
	}
	return int((phys - PhysBase) / kload.PageSize), nil
}
