//go:build unix

package hosted

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ZenLiuCN/kload"
)

// Heap gives every block its own anonymous read-write-execute mapping.
//
// Blocks are page aligned, so any alignment up to the page size is honoured.
type Heap struct {
	mu   sync.Mutex
	live map[uintptr][]byte
}

func NewHeap() *Heap {
	return &Heap{live: map[uintptr][]byte{}}
}

func (h *Heap) Alloc(size, align int) (kload.Block, error) {
	if size <= 0 {
		return kload.Block{}, errors.Errorf("allocate %d bytes", size)
	}
	if align <= 0 || align&(align-1) != 0 || align > kload.PageSize {
		return kload.Block{}, errors.Errorf("allocate %d bytes: unsupported alignment %d", size, align)
	}
	length := (size + kload.PageSize - 1) &^ (kload.PageSize - 1)
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return kload.Block{}, errors.Wrapf(err, "map %d bytes", length)
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	h.mu.Lock()
	h.live[addr] = mem
	h.mu.Unlock()
	return kload.Block{Addr: addr, Size: size, Align: align, Bytes: mem[:size:size]}, nil
}

func (h *Heap) Free(b kload.Block) error {
	h.mu.Lock()
	mem, ok := h.live[b.Addr]
	delete(h.live, b.Addr)
	h.mu.Unlock()
	if !ok {
		return errors.Errorf("free of unknown block %#x", b.Addr)
	}
	return errors.Wrapf(unix.Munmap(mem), "unmap block %#x", b.Addr)
}

// Live is the number of blocks not yet freed.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}
