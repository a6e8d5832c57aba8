package kload

type (
	PhysAddr      uintptr
	VirtAddr      uintptr
	PageDirectory uintptr
	PageFlags     uint32
)

// PageSize is the granule of the page allocator and the mapper.
const PageSize = 4096

const (
	PagePresent PageFlags = 1 << iota
	PageWritable
	PageUser
)

type (
	// FileReader reads a whole file.
	FileReader interface {
		ReadFile(path string) ([]byte, error)
	}
	// PageAllocator hands out contiguous physical pages.
	PageAllocator interface {
		AllocPages(count int) (PhysAddr, error)
		FreePages(phys PhysAddr, count int) error
	}
	// Mapper edits a page directory.
	//
	// Unmap removes a single page. View exposes an already mapped virtual range as bytes.
	Mapper interface {
		Map(dir PageDirectory, phys PhysAddr, virt VirtAddr, size uint32, flags PageFlags) error
		Unmap(dir PageDirectory, virt VirtAddr) error
		View(dir PageDirectory, virt VirtAddr, size uint32) ([]byte, error)
	}
	// Heap is the general kernel allocator used for module sections.
	Heap interface {
		Alloc(size, align int) (Block, error)
		Free(b Block) error
	}
	// Block is one heap allocation: its address, layout and a byte view of it.
	Block struct {
		Addr  uintptr
		Size  int
		Align int
		Bytes []byte
	}
	// Kernel bundles the collaborators a Loader needs.
	//
	// Executables need Pages, Mapper and Directory; modules need Heap and Symbols.
	// A nil Invoker means NativeInvoker.
	Kernel struct {
		Files     FileReader
		Pages     PageAllocator
		Mapper    Mapper
		Directory PageDirectory
		Heap      Heap
		Symbols   SymbolResolver
		Invoker   Invoker
	}
)

func (b Block) end() uintptr { return b.Addr + uintptr(b.Size) }
