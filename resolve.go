package kload

import (
	"debug/elf"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/kload/elfimg"
)

// gotSymbol names the global offset table, which modules cannot use: there is none.
const gotSymbol = "_GLOBAL_OFFSET_TABLE_"

type (
	// ResolvedSymbol maps a symbol table index to a loaded address. It lives for one load.
	ResolvedSymbol struct {
		Index   int
		Name    string
		Address uintptr
	}
	resolution struct {
		list    []ResolvedSymbol
		byIndex map[int]int
	}
)

func (r *resolution) add(s ResolvedSymbol) {
	r.byIndex[s.Index] = len(r.list)
	r.list = append(r.list, s)
}

func (r *resolution) lookup(index int) (ResolvedSymbol, bool) {
	i, ok := r.byIndex[index]
	if !ok {
		return ResolvedSymbol{}, false
	}
	return r.list[i], true
}

func (r *resolution) byName(name string) (ResolvedSymbol, bool) {
	for _, s := range r.list {
		if s.Name == name {
			return s, true
		}
	}
	return ResolvedSymbol{}, false
}

// resolveSymbols gives functions and section symbols their loaded address and external
// untyped globals their kernel address. Other symbol kinds are not resolved.
func (l *Loader) resolveSymbols(img *elfimg.Image, syms []elfimg.Symbol, sections sectionTable, logger log.Logger) (*resolution, error) {
	r := &resolution{byIndex: make(map[int]int, len(syms))}
	for _, sym := range syms {
		switch {
		case sym.Type == elf.STT_FUNC || sym.Type == elf.STT_SECTION:
			var owner string
			if sec, ok := img.Section(int(sym.Section)); ok {
				owner = sec.Name
			}
			name := sym.Name
			if name == "" {
				name = owner
			}
			loaded, ok := sections.lookup(owner)
			if owner == "" || !ok {
				level.Warn(logger).Log("msg", "symbol skipped", "err", ErrUnresolvedSection,
					"symbol", sym.Index, "name", name, "section", sym.Section)
				continue
			}
			r.add(ResolvedSymbol{Index: sym.Index, Name: name, Address: loaded.Addr + uintptr(sym.Value)})
		case sym.Type == elf.STT_NOTYPE && sym.Bind == elf.STB_GLOBAL:
			if sym.Name == gotSymbol {
				level.Warn(logger).Log("msg", "global offset table is not supported", "symbol", sym.Index)
				continue
			}
			addr, ok := l.kernel.Symbols.Resolve(sym.Name)
			if !ok {
				if l.config.LenientExternals {
					level.Warn(logger).Log("msg", "symbol skipped", "err", ErrUnresolvedExternal, "symbol", sym.Index, "name", sym.Name)
					continue
				}
				return nil, errors.Wrapf(ErrUnresolvedExternal, "symbol %d %q", sym.Index, sym.Name)
			}
			r.add(ResolvedSymbol{Index: sym.Index, Name: sym.Name, Address: addr})
		}
	}
	level.Debug(logger).Log("msg", "symbols resolved", "resolved", len(r.list), "total", len(syms))
	return r, nil
}
