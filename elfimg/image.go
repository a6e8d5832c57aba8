// Package elfimg is a read-only, bounds-checked view over an ELF32 image held in memory.
//
// Decoding of the container itself is delegated to [debug/elf]; this package narrows it to
// what the loader consumes and re-exposes the raw symbol table indexes used by relocation records.
package elfimg

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrMalformed occurs when the buffer is not a well-formed ELF container.
	ErrMalformed = errors.New("malformed container")
	// ErrWrongKind occurs when the container is valid but of an unsupported class or kind.
	ErrWrongKind = errors.New("wrong container kind")
	// ErrNoSymbols occurs when the symbol table or its string table is missing.
	ErrNoSymbols = errors.New("missing symbol or string table")
)

type (
	// Image is a parsed ELF32 little-endian container.
	Image struct {
		data     []byte
		file     *elf.File
		sections []Section
	}
	// Segment is a PT_LOAD program header.
	Segment struct {
		Index  int
		Vaddr  uint32
		Filesz uint32
		Memsz  uint32
		Flags  elf.ProgFlag
		prog   *elf.Prog
	}
	// Section is a section header with its index in the header table.
	Section struct {
		Index int
		Name  string
		Type  elf.SectionType
		Flags elf.SectionFlag
		Size  uint32
		Align uint32
		Link  uint32
		Info  uint32
	}
	// Symbol is one symbol table entry; Index is its position in the raw table,
	// the null entry included.
	Symbol struct {
		Index   int
		Name    string
		Type    elf.SymType
		Bind    elf.SymBind
		Section elf.SectionIndex
		Value   uint32
		Size    uint32
	}
)

// Open parses data as an ELF32 little-endian image. The buffer is retained, not copied.
func Open(data []byte) (*Image, error) {
	if len(data) < len(elf.ELFMAG) || !bytes.Equal(data[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		return nil, errors.Wrap(ErrMalformed, "bad magic")
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%v", err)
	}
	if f.Class != elf.ELFCLASS32 {
		return nil, errors.Wrapf(ErrWrongKind, "class %s, expected ELFCLASS32", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, errors.Wrapf(ErrWrongKind, "data %s, expected ELFDATA2LSB", f.Data)
	}
	img := &Image{data: data, file: f}
	img.sections = make([]Section, len(f.Sections))
	for i, s := range f.Sections {
		img.sections[i] = Section{
			Index: i,
			Name:  s.Name,
			Type:  s.Type,
			Flags: s.Flags,
			Size:  uint32(s.Size),
			Align: uint32(s.Addralign),
			Link:  s.Link,
			Info:  s.Info,
		}
	}
	return img, nil
}

func (img *Image) Type() elf.Type       { return img.file.Type }
func (img *Image) Machine() elf.Machine { return img.file.Machine }
func (img *Image) Entry() uint32        { return uint32(img.file.Entry) }

// Len is the size of the underlying buffer.
func (img *Image) Len() int { return len(img.data) }

// LoadSegments returns every PT_LOAD program header in file order.
func (img *Image) LoadSegments() (segs []Segment) {
	for i, p := range img.file.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, Segment{
			Index:  i,
			Vaddr:  uint32(p.Vaddr),
			Filesz: uint32(p.Filesz),
			Memsz:  uint32(p.Memsz),
			Flags:  p.Flags,
			prog:   p,
		})
	}
	return
}

// SegmentData reads the file-backed bytes of a segment.
func (img *Image) SegmentData(seg Segment) ([]byte, error) {
	if seg.prog == nil {
		return nil, errors.Wrapf(ErrMalformed, "segment %d not from this image", seg.Index)
	}
	if seg.Filesz > seg.Memsz {
		return nil, errors.Wrapf(ErrMalformed, "segment %d: file size 0x%x exceeds memory size 0x%x", seg.Index, seg.Filesz, seg.Memsz)
	}
	if seg.Filesz == 0 {
		return nil, nil
	}
	buf := make([]byte, seg.Filesz)
	if _, err := seg.prog.ReadAt(buf, 0); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(ErrMalformed, "segment %d: %v", seg.Index, err)
	}
	return buf, nil
}

// Sections returns every section header, the null header included.
func (img *Image) Sections() []Section {
	return img.sections
}

// Section returns the header at index i.
func (img *Image) Section(i int) (Section, bool) {
	if i < 0 || i >= len(img.sections) {
		return Section{}, false
	}
	return img.sections[i], true
}

// SectionData returns the file bytes of a section, nil for SHT_NOBITS.
func (img *Image) SectionData(i int) ([]byte, error) {
	s, ok := img.Section(i)
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "section index %d out of range", i)
	}
	if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
		return nil, nil
	}
	data, err := img.file.Sections[i].Data()
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "section %d %q: %v", i, s.Name, err)
	}
	return data, nil
}

// Symbols returns the SHT_SYMTAB table. Entry 0 is the null symbol.
func (img *Image) Symbols() ([]Symbol, error) {
	var symtab *Section
	for i := range img.sections {
		if img.sections[i].Type == elf.SHT_SYMTAB {
			symtab = &img.sections[i]
			break
		}
	}
	if symtab == nil {
		return nil, errors.Wrap(ErrNoSymbols, "no SHT_SYMTAB section")
	}
	if strtab, ok := img.Section(int(symtab.Link)); !ok || strtab.Index == 0 || strtab.Type != elf.SHT_STRTAB {
		return nil, errors.Wrapf(ErrNoSymbols, "symbol table links to section %d, not a string table", symtab.Link)
	}
	syms, err := img.file.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, errors.Wrap(ErrNoSymbols, err.Error())
		}
		return nil, errors.Wrapf(ErrMalformed, "symbol table: %v", err)
	}
	out := make([]Symbol, len(syms)+1)
	for i, s := range syms {
		out[i+1] = Symbol{
			Index:   i + 1,
			Name:    s.Name,
			Type:    elf.ST_TYPE(s.Info),
			Bind:    elf.ST_BIND(s.Info),
			Section: s.Section,
			Value:   uint32(s.Value),
			Size:    uint32(s.Size),
		}
	}
	return out, nil
}

// RelSections returns SHT_REL and SHT_RELA sections in header order.
func (img *Image) RelSections() (out []Section) {
	for _, s := range img.sections {
		if s.Type == elf.SHT_REL || s.Type == elf.SHT_RELA {
			out = append(out, s)
		}
	}
	return
}
