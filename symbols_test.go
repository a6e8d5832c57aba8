package kload

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const systemMap = `# kernel exports
c0100000 T _start
c0101000 T printk
c0102000 t local_helper
c0103000 D jiffies

c0104000 U undefined_ref
c0105000 R version_string
`

func TestParseSymbolMap(t *testing.T) {
	syms, err := ParseSymbolMap(strings.NewReader(systemMap))
	require.NoError(t, err)
	assert.Equal(t, []string{"_start", "jiffies", "printk", "version_string"}, syms.Names())
	addr, ok := syms.Resolve("printk")
	assert.True(t, ok)
	assert.Equal(t, uintptr(0xc0101000), addr)
	_, ok = syms.Resolve("local_helper")
	assert.False(t, ok)
}

func TestParseSymbolMapErrors(t *testing.T) {
	for name, in := range map[string]string{
		"fields":  "c0100000 T\n",
		"address": "c0100000 T ok\nzzzz T bad\n",
		"type":    "c0100000 TT two_letters\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSymbolMap(strings.NewReader(in))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "symbol map line")
		})
	}
}

func TestSymbolsEmpty(t *testing.T) {
	_, ok := Symbols{}.Resolve("printk")
	assert.False(t, ok)
	assert.Empty(t, Symbols{}.Names())
}

func ksym(addr uint32, name string) []byte {
	b := binary.LittleEndian.AppendUint32(nil, addr)
	b = append(b, byte(len(name)))
	return append(b, name...)
}

func TestParseKsym(t *testing.T) {
	blob := append(ksym(0xc0100000, "_start"), ksym(0xc0101000, "printk")...)
	blob = append(blob, ksym(0xc0109999, "printk")...)
	for _, tc := range []struct {
		name string
		blob []byte
		want Symbols
		err  bool
	}{
		{name: "records", blob: blob, want: Symbols{"_start": 0xc0100000, "printk": 0xc0101000}},
		{name: "empty", blob: nil, want: Symbols{}},
		{name: "short address", blob: append(ksym(0xc0100000, "_start"), 0x00, 0x10), err: true},
		{name: "missing length", blob: binary.LittleEndian.AppendUint32(nil, 0xc0100000), err: true},
		{name: "short name", blob: ksym(0xc0100000, "printk")[:8], err: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			syms, err := ParseKsym(tc.blob)
			if tc.err {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, syms)
		})
	}
}
