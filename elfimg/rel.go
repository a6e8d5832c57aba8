package elfimg

import (
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
)

const relSize = 8 // sizeof(Elf32_Rel)

// Rel is one Elf32_Rel record. The addend lives at the relocation site.
type Rel struct {
	Offset uint32
	Sym    int
	Type   elf.R_386
}

// Rels decodes the records of a SHT_REL section.
func (img *Image) Rels(sec Section) ([]Rel, error) {
	if sec.Type != elf.SHT_REL {
		return nil, errors.Wrapf(ErrWrongKind, "section %d %q has type %s, expected SHT_REL", sec.Index, sec.Name, sec.Type)
	}
	data, err := img.SectionData(sec.Index)
	if err != nil {
		return nil, err
	}
	if len(data)%relSize != 0 {
		return nil, errors.Wrapf(ErrMalformed, "section %d %q: REL section length %d is not a multiple of %d", sec.Index, sec.Name, len(data), relSize)
	}
	rels := make([]Rel, 0, len(data)/relSize)
	for off := 0; off < len(data); off += relSize {
		info := binary.LittleEndian.Uint32(data[off+4:])
		rels = append(rels, Rel{
			Offset: binary.LittleEndian.Uint32(data[off:]),
			Sym:    int(info >> 8),
			Type:   elf.R_386(info & 0xff),
		})
	}
	return rels, nil
}

// Read32 reads a little-endian 32-bit value at off, which need not be aligned.
func Read32(b []byte, off uint32) (uint32, error) {
	if uint64(off)+4 > uint64(len(b)) {
		return 0, errors.Wrapf(ErrMalformed, "read of 4 bytes at 0x%x beyond 0x%x", off, len(b))
	}
	return binary.LittleEndian.Uint32(b[off:]), nil
}

// Write32 stores a little-endian 32-bit value at off, which need not be aligned.
func Write32(b []byte, off uint32, v uint32) error {
	if uint64(off)+4 > uint64(len(b)) {
		return errors.Wrapf(ErrMalformed, "write of 4 bytes at 0x%x beyond 0x%x", off, len(b))
	}
	binary.LittleEndian.PutUint32(b[off:], v)
	return nil
}
