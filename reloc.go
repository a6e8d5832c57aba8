package kload

import (
	"debug/elf"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/kload/elfimg"
)

// unwindSection holds exception unwind tables; there is no unwinder to consume them.
const unwindSection = ".eh_frame"

// applyRelocations patches loaded sections in relocation section order, then record order.
func (l *Loader) applyRelocations(img *elfimg.Image, sections sectionTable, resolved *resolution, logger log.Logger) error {
	for _, rs := range img.RelSections() {
		prefix := ".rel"
		if rs.Type == elf.SHT_RELA {
			prefix = ".rela"
		}
		targetName := strings.TrimPrefix(rs.Name, prefix)
		if targetName == unwindSection {
			level.Debug(logger).Log("msg", "relocation section skipped", "section", rs.Name, "reason", "unwind tables")
			continue
		}
		if rs.Type == elf.SHT_RELA {
			return errors.Wrapf(ErrUnsupportedRelocation, "section %d %q: explicit addends", rs.Index, rs.Name)
		}
		target, ok := sections.lookup(targetName)
		if !ok {
			level.Warn(logger).Log("msg", "relocation section skipped", "section", rs.Name, "err", ErrUnresolvedSection, "target", targetName)
			continue
		}
		rels, err := img.Rels(rs)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			if err = l.relocate(target, rel, resolved, logger); err != nil {
				return errors.Wrapf(err, "section %d %q: relocation at 0x%x", rs.Index, rs.Name, rel.Offset)
			}
		}
	}
	return nil
}

// relocate patches one site. The addend is the 32-bit value already at the site.
//
// R_386_PC32 computes (S - B) + A - P where P is the record offset and B the base of the
// patched section, in that order and modulo 2^32.
func (l *Loader) relocate(target *LoadedSection, rel elfimg.Rel, resolved *resolution, logger log.Logger) error {
	addend, err := elfimg.Read32(target.mem, rel.Offset)
	if err != nil {
		return err
	}
	sym, ok := resolved.lookup(rel.Sym)
	if !ok {
		l.metrics.relocations.WithLabelValues(rel.Type.String(), resultSkipped).Inc()
		level.Warn(logger).Log("msg", "relocation skipped", "section", target.Name, "offset", hex(rel.Offset),
			"symbol", rel.Sym, "reason", "symbol not resolved")
		return nil
	}
	var v uint32
	switch rel.Type {
	case elf.R_386_PC32:
		v = (uint32(sym.Address) - uint32(target.Addr)) + addend - rel.Offset
	case elf.R_386_32:
		v = uint32(sym.Address) + addend
	default:
		return errors.Wrapf(ErrUnsupportedRelocation, "%s against %q", rel.Type, sym.Name)
	}
	if err = elfimg.Write32(target.mem, rel.Offset, v); err != nil {
		return err
	}
	l.metrics.relocations.WithLabelValues(rel.Type.String(), resultApplied).Inc()
	return nil
}
