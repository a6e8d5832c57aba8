package kload

import (
	"debug/elf"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/kload/elfimg"
)

type (
	// LoadedSection is a module section copied into heap memory. It lives for one load.
	LoadedSection struct {
		Index int
		Name  string
		Addr  uintptr
		Size  uint32
		mem   []byte
	}
	sectionTable []LoadedSection
)

// loadable selects the code and data sections of a module.
func loadable(s elfimg.Section) bool {
	return s.Flags&elf.SHF_ALLOC != 0 && (s.Type == elf.SHT_PROGBITS || s.Type == elf.SHT_NOBITS)
}

func (l *Loader) loadSections(img *elfimg.Image, ledger *Ledger, logger log.Logger) (sectionTable, error) {
	var table sectionTable
	for _, s := range img.Sections() {
		if !loadable(s) {
			continue
		}
		data, err := img.SectionData(s.Index)
		if err != nil {
			return nil, err
		}
		if len(data) > int(s.Size) {
			return nil, errors.Wrapf(ErrMalformed, "section %d %q: %d bytes of data for size %d", s.Index, s.Name, len(data), s.Size)
		}
		b, err := ledger.Alloc(max(int(s.Size), 1), max(int(s.Align), 1))
		if err != nil {
			return nil, errors.Wrapf(err, "section %d %q", s.Index, s.Name)
		}
		if len(b.Bytes) < int(s.Size) {
			return nil, errors.Errorf("section %d %q: heap block holds %d bytes, need %d", s.Index, s.Name, len(b.Bytes), s.Size)
		}
		mem := b.Bytes[:s.Size]
		clear(mem)
		copy(mem, data)
		table = append(table, LoadedSection{Index: s.Index, Name: s.Name, Addr: b.Addr, Size: s.Size, mem: mem})
		level.Debug(logger).Log("msg", "section loaded", "index", s.Index, "name", s.Name, "addr", hex(b.Addr), "size", s.Size)
	}
	return table, nil
}

// lookup finds a loaded section by exact name; the first match wins.
func (t sectionTable) lookup(name string) (*LoadedSection, bool) {
	for i := range t {
		if t[i].Name == name {
			return &t[i], true
		}
	}
	return nil, false
}
