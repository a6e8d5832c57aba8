//go:build unix

package hosted

import (
	"github.com/go-kit/log"
	"github.com/spf13/afero"

	"github.com/ZenLiuCN/kload"
)

// Directory is the page directory every hosted load maps into.
const Directory kload.PageDirectory = 0x9c000

// Machine bundles the hosted collaborators.
type Machine struct {
	Files   Files
	Phys    *PhysMem
	Pages   *PageTable
	Heap    *Heap
	Invoker *DryRun
}

// NewMachine creates a machine with frames pages of physical memory reading files from fs.
func NewMachine(fs afero.Fs, frames int, logger log.Logger) (*Machine, error) {
	phys, err := NewPhysMem(frames)
	if err != nil {
		return nil, err
	}
	return &Machine{
		Files:   Files{Fs: fs},
		Phys:    phys,
		Pages:   NewPageTable(phys),
		Heap:    NewHeap(),
		Invoker: &DryRun{Logger: logger},
	}, nil
}

// Kernel wires the machine into a kload.Kernel resolving externals through syms.
func (m *Machine) Kernel(syms kload.SymbolResolver) kload.Kernel {
	return kload.Kernel{
		Files:     m.Files,
		Pages:     m.Phys,
		Mapper:    m.Pages,
		Directory: Directory,
		Heap:      m.Heap,
		Symbols:   syms,
		Invoker:   m.Invoker,
	}
}

// Close releases physical memory. Heap blocks are module memory and stay mapped.
func (m *Machine) Close() error {
	return m.Phys.Close()
}
