package kload

import (
	"github.com/pkg/errors"
)

// ModuleRecord is a linked module. Its memory is Permanent: modules are never unloaded.
type ModuleRecord struct {
	Path   string
	Entry  uintptr
	Memory []Permanent

	invoker Invoker
}

// Init calls module_init on the calling goroutine.
func (r *ModuleRecord) Init() error {
	for _, m := range r.Memory {
		if r.Entry >= m.Addr && r.Entry < m.Addr+uintptr(m.Size) {
			return r.invoker.CallInit(r.Entry)
		}
	}
	return errors.Wrapf(ErrInvalidEntry, "%s entry 0x%x outside module memory", r.Path, r.Entry)
}

// Size is the total of the module's permanent memory.
func (r *ModuleRecord) Size() (n int) {
	for _, m := range r.Memory {
		n += m.Size
	}
	return
}
