package pool

import (
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/kload"
)

// Pool keeps one record per loaded module path. Modules are never removed.
type Pool struct {
	loader  *kload.Loader
	Modules map[string]*kload.ModuleRecord // nil while a load is in flight
	Loaded  []*kload.ModuleRecord          // in initialisation order
	sync.RWMutex
}

var (
	ErrAlreadyLoaded = errors.New("module already loaded")
	ErrNotLoaded     = errors.New("module not loaded")
)

// NewPool create new pool
func NewPool(l *kload.Loader) *Pool {
	return &Pool{loader: l, Modules: make(map[string]*kload.ModuleRecord)}
}

// Insmod links the module at path, calls its module_init and publishes the record.
//
// The path is reserved before linking, so a second Insmod of the same path fails even while
// the first is still in flight. Linking itself runs without the pool lock. A module whose
// init fails stays published: its memory is already permanent.
func (p *Pool) Insmod(path string) (r *kload.ModuleRecord, err error) {
	p.Lock()
	if _, ok := p.Modules[path]; ok {
		p.Unlock()
		return nil, errors.Wrap(ErrAlreadyLoaded, path)
	}
	p.Modules[path] = nil
	p.Unlock()

	if r, err = p.loader.LoadModule(path); err != nil {
		p.Lock()
		delete(p.Modules, path)
		p.Unlock()
		return
	}
	p.Lock()
	p.Modules[path] = r
	p.Loaded = append(p.Loaded, r)
	p.Unlock()
	if err = r.Init(); err != nil {
		return r, errors.Wrapf(err, "%s: init", path)
	}
	return
}

// Lookup fetch a published module
func (p *Pool) Lookup(path string) (*kload.ModuleRecord, error) {
	p.RLock()
	defer p.RUnlock()
	if r := p.Modules[path]; r != nil {
		return r, nil
	}
	return nil, errors.Wrap(ErrNotLoaded, path)
}

// Paths lists published module paths, sorted.
func (p *Pool) Paths() []string {
	p.RLock()
	defer p.RUnlock()
	paths := fn.MapKeys(p.Modules)
	paths = slices.DeleteFunc(paths, func(s string) bool { return p.Modules[s] == nil })
	slices.Sort(paths)
	return paths
}

// Pinned is the total permanent memory of every published module.
func (p *Pool) Pinned() (n int) {
	p.RLock()
	defer p.RUnlock()
	for _, r := range p.Loaded {
		n += r.Size()
	}
	return
}
