package kload

import (
	"bufio"
	"io"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/ZenLiuCN/fn"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/kload/elfimg"
)

type (
	// SymbolResolver is the kernel's exported-symbol table.
	SymbolResolver interface {
		Resolve(name string) (addr uintptr, ok bool)
	}
	// Symbols is a SymbolResolver over a plain map.
	Symbols map[string]uintptr
)

func (s Symbols) Resolve(name string) (uintptr, bool) {
	addr, ok := s[name]
	return addr, ok
}

// Names dumps the symbol names, sorted.
func (s Symbols) Names() []string {
	names := fn.MapKeys(s)
	slices.Sort(names)
	return names
}

// ParseSymbolMap reads a System.map style listing: "<hex address> <type> <name>" per line.
//
// Only global symbols (upper case type letter other than U) are exported. Blank lines and
// lines starting with '#' are ignored.
func ParseSymbolMap(r io.Reader) (Symbols, error) {
	syms := make(Symbols)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 3 || len(fields[1]) != 1 {
			return nil, errors.Errorf("symbol map line %d: want \"<address> <type> <name>\", got %q", line, text)
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "symbol map line %d", line)
		}
		kind := rune(fields[1][0])
		if !unicode.IsUpper(kind) || kind == 'U' {
			continue
		}
		syms[fields[2]] = uintptr(addr)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read symbol map")
	}
	return syms, nil
}

// ParseKsym reads the kernel's binary symbol table: back to back records of a little-endian
// 32-bit address, a one byte name length and the name bytes. The first record of a name wins.
func ParseKsym(blob []byte) (Symbols, error) {
	syms := make(Symbols)
	for off := 0; off < len(blob); {
		addr, err := elfimg.Read32(blob, uint32(off))
		if err != nil {
			return nil, errors.Wrapf(err, "ksym record at 0x%x: address", off)
		}
		if off+4 >= len(blob) {
			return nil, errors.Wrapf(ErrMalformed, "ksym record at 0x%x: missing name length", off)
		}
		n := int(blob[off+4])
		name := off + 5
		if name+n > len(blob) {
			return nil, errors.Wrapf(ErrMalformed, "ksym record at 0x%x: name of %d bytes beyond 0x%x", off, n, len(blob))
		}
		if _, ok := syms[string(blob[name:name+n])]; !ok {
			syms[string(blob[name:name+n])] = uintptr(addr)
		}
		off = name + n
	}
	return syms, nil
}
