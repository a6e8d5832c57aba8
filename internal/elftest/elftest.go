// Package elftest builds small ELF32 i386 images in memory for tests.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

const (
	ehdrSize = 52
	phdrSize = 32
	shdrSize = 40
	symSize  = 16
	relSize  = 8
	relaSize = 12
)

type (
	section struct {
		name  string
		typ   elf.SectionType
		flags elf.SectionFlag
		data  []byte
		size  uint32
		align uint32
		link  uint32
		info  uint32
		ent   uint32
	}
	symbol struct {
		name  string
		typ   elf.SymType
		bind  elf.SymBind
		shndx elf.SectionIndex
		value uint32
		size  uint32
	}
	reloc struct {
		offset uint32
		sym    int
		typ    elf.R_386
		addend int32
	}
	prog struct {
		vaddr uint32
		data  []byte
		memsz uint32
		flags elf.ProgFlag
	}
	// Object accumulates sections, symbols, relocations and segments and lays them out with Bytes.
	Object struct {
		Type     elf.Type
		Machine  elf.Machine
		Entry    uint32
		NoSymtab bool // omit .symtab and .strtab
		sections []*section
		symbols  []symbol
		rels     map[int][]reloc
		relas    map[int][]reloc
		relOrder []int
		progs    []prog
	}
)

// NewObject starts an ET_REL i386 object.
func NewObject() *Object {
	return &Object{Type: elf.ET_REL, Machine: elf.EM_386, rels: map[int][]reloc{}, relas: map[int][]reloc{}}
}

// NewExecutable starts an ET_EXEC i386 image with the given entry.
func NewExecutable(entry uint32) *Object {
	o := NewObject()
	o.Type = elf.ET_EXEC
	o.Entry = entry
	return o
}

// Section adds a section with file contents and returns its header index.
func (o *Object) Section(name string, typ elf.SectionType, flags elf.SectionFlag, data []byte) int {
	o.sections = append(o.sections, &section{name: name, typ: typ, flags: flags, data: data, size: uint32(len(data)), align: 4})
	return len(o.sections)
}

// Text adds an allocated executable PROGBITS section.
func (o *Object) Text(name string, data []byte) int {
	return o.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, data)
}

// Data adds an allocated writable PROGBITS section.
func (o *Object) Data(name string, data []byte) int {
	return o.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, data)
}

// NoBits adds an allocated SHT_NOBITS section of the given size.
func (o *Object) NoBits(name string, size uint32) int {
	o.sections = append(o.sections, &section{name: name, typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, size: size, align: 4})
	return len(o.sections)
}

// Symbol adds a symbol table entry and returns its raw table index (the null entry is 0).
func (o *Object) Symbol(name string, typ elf.SymType, bind elf.SymBind, shndx elf.SectionIndex, value uint32) int {
	o.symbols = append(o.symbols, symbol{name: name, typ: typ, bind: bind, shndx: shndx, value: value})
	return len(o.symbols)
}

// Func adds a global STT_FUNC symbol defined in section shndx.
func (o *Object) Func(name string, shndx int, value uint32) int {
	return o.Symbol(name, elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(shndx), value)
}

// SectionSymbol adds the STT_SECTION symbol of section shndx.
func (o *Object) SectionSymbol(shndx int) int {
	return o.Symbol("", elf.STT_SECTION, elf.STB_LOCAL, elf.SectionIndex(shndx), 0)
}

// Extern adds an undefined global untyped symbol.
func (o *Object) Extern(name string) int {
	return o.Symbol(name, elf.STT_NOTYPE, elf.STB_GLOBAL, elf.SHN_UNDEF, 0)
}

// Rel adds a record to the .rel section that patches section target.
func (o *Object) Rel(target int, offset uint32, sym int, typ elf.R_386) {
	if _, ok := o.rels[target]; !ok {
		o.relOrder = append(o.relOrder, target)
	}
	o.rels[target] = append(o.rels[target], reloc{offset: offset, sym: sym, typ: typ})
}

// Rela adds a record to the .rela section that patches section target.
func (o *Object) Rela(target int, offset uint32, sym int, typ elf.R_386, addend int32) {
	if _, ok := o.relas[target]; !ok {
		o.relOrder = append(o.relOrder, -target)
	}
	o.relas[target] = append(o.relas[target], reloc{offset: offset, sym: sym, typ: typ, addend: addend})
}

// Segment adds a PT_LOAD program header.
func (o *Object) Segment(vaddr uint32, data []byte, memsz uint32) {
	o.progs = append(o.progs, prog{vaddr: vaddr, data: data, memsz: memsz, flags: elf.PF_R | elf.PF_W | elf.PF_X})
}

type strtab struct {
	b   []byte
	off map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{b: []byte{0}, off: map[string]uint32{"": 0}}
}

func (s *strtab) add(name string) uint32 {
	if o, ok := s.off[name]; ok {
		return o
	}
	o := uint32(len(s.b))
	s.b = append(s.b, name...)
	s.b = append(s.b, 0)
	s.off[name] = o
	return o
}

// Bytes lays the image out: header, program headers, section contents, segment contents, section headers.
func (o *Object) Bytes() []byte {
	le := binary.LittleEndian
	secs := append([]*section{}, o.sections...)
	symtabIdx, strtabIdx := 0, 0
	withSymtab := !o.NoSymtab && (o.Type == elf.ET_REL || len(o.symbols) > 0)
	if withSymtab {
		symtabIdx = len(secs) + 1 + len(o.relOrder)
		strtabIdx = symtabIdx + 1
	}
	for _, t := range o.relOrder {
		if t > 0 {
			rs := o.rels[t]
			data := make([]byte, 0, len(rs)*relSize)
			for _, r := range rs {
				data = le.AppendUint32(data, r.offset)
				data = le.AppendUint32(data, uint32(r.sym)<<8|uint32(r.typ))
			}
			secs = append(secs, &section{name: ".rel" + o.sections[t-1].name, typ: elf.SHT_REL, flags: elf.SHF_INFO_LINK,
				data: data, size: uint32(len(data)), align: 4, link: uint32(symtabIdx), info: uint32(t), ent: relSize})
		} else {
			t = -t
			rs := o.relas[t]
			data := make([]byte, 0, len(rs)*relaSize)
			for _, r := range rs {
				data = le.AppendUint32(data, r.offset)
				data = le.AppendUint32(data, uint32(r.sym)<<8|uint32(r.typ))
				data = le.AppendUint32(data, uint32(r.addend))
			}
			secs = append(secs, &section{name: ".rela" + o.sections[t-1].name, typ: elf.SHT_RELA, flags: elf.SHF_INFO_LINK,
				data: data, size: uint32(len(data)), align: 4, link: uint32(symtabIdx), info: uint32(t), ent: relaSize})
		}
	}
	if withSymtab {
		names := newStrtab()
		data := make([]byte, symSize)
		locals := 1
		for i, s := range o.symbols {
			if s.bind == elf.STB_LOCAL && locals == i+1 {
				locals++
			}
			data = le.AppendUint32(data, names.add(s.name))
			data = le.AppendUint32(data, s.value)
			data = le.AppendUint32(data, s.size)
			data = append(data, elf.ST_INFO(s.bind, s.typ), 0)
			data = le.AppendUint16(data, uint16(s.shndx))
		}
		secs = append(secs,
			&section{name: ".symtab", typ: elf.SHT_SYMTAB, data: data, size: uint32(len(data)), align: 4, link: uint32(strtabIdx), info: uint32(locals), ent: symSize},
			&section{name: ".strtab", typ: elf.SHT_STRTAB, data: names.b, size: uint32(len(names.b)), align: 1},
		)
	}
	shnames := newStrtab()
	for _, s := range secs {
		shnames.add(s.name)
	}
	shnames.add(".shstrtab")
	secs = append(secs, &section{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shnames.b, size: uint32(len(shnames.b)), align: 1})

	buf := make([]byte, ehdrSize+phdrSize*len(o.progs))
	align := func(a uint32) {
		if a < 1 {
			a = 1
		}
		for uint32(len(buf))%a != 0 {
			buf = append(buf, 0)
		}
	}
	offsets := make([]uint32, len(secs))
	for i, s := range secs {
		align(s.align)
		offsets[i] = uint32(len(buf))
		if s.typ != elf.SHT_NOBITS {
			buf = append(buf, s.data...)
		}
	}
	progOffsets := make([]uint32, len(o.progs))
	for i, p := range o.progs {
		align(4)
		progOffsets[i] = uint32(len(buf))
		buf = append(buf, p.data...)
	}
	align(4)
	shoff := uint32(len(buf))
	buf = append(buf, make([]byte, shdrSize)...) // null section header
	for i, s := range secs {
		buf = le.AppendUint32(buf, shnames.add(s.name))
		buf = le.AppendUint32(buf, uint32(s.typ))
		buf = le.AppendUint32(buf, uint32(s.flags))
		buf = le.AppendUint32(buf, 0)
		buf = le.AppendUint32(buf, offsets[i])
		buf = le.AppendUint32(buf, s.size)
		buf = le.AppendUint32(buf, s.link)
		buf = le.AppendUint32(buf, s.info)
		buf = le.AppendUint32(buf, s.align)
		buf = le.AppendUint32(buf, s.ent)
	}

	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(buf[16:], uint16(o.Type))
	le.PutUint16(buf[18:], uint16(o.Machine))
	le.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	le.PutUint32(buf[24:], o.Entry)
	if len(o.progs) > 0 {
		le.PutUint32(buf[28:], ehdrSize)
	}
	le.PutUint32(buf[32:], shoff)
	le.PutUint16(buf[40:], ehdrSize)
	le.PutUint16(buf[42:], phdrSize)
	le.PutUint16(buf[44:], uint16(len(o.progs)))
	le.PutUint16(buf[46:], shdrSize)
	le.PutUint16(buf[48:], uint16(len(secs)+1))
	le.PutUint16(buf[50:], uint16(len(secs)))

	for i, p := range o.progs {
		h := buf[ehdrSize+i*phdrSize:]
		le.PutUint32(h[0:], uint32(elf.PT_LOAD))
		le.PutUint32(h[4:], progOffsets[i])
		le.PutUint32(h[8:], p.vaddr)
		le.PutUint32(h[12:], p.vaddr)
		le.PutUint32(h[16:], uint32(len(p.data)))
		le.PutUint32(h[20:], p.memsz)
		le.PutUint32(h[24:], uint32(p.flags))
		le.PutUint32(h[28:], 0x1000)
	}
	return buf
}

// Words encodes 32-bit values little-endian.
func Words(ws ...uint32) []byte {
	b := make([]byte, 0, 4*len(ws))
	for _, w := range ws {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}
