package kload

import (
	"debug/elf"
	"encoding/binary"
	"io/fs"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZenLiuCN/kload/internal/elftest"
)

const (
	modPath = "/lib/modules/hello.ko"
	printk  = uintptr(0xc0101000)
)

func word(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}

func TestModuleBadMagic(t *testing.T) {
	r := newRig()
	r.files[modPath] = []byte("#!/bin/sh\necho not an image\n")
	_, err := r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, ErrMalformed)
	assert.Empty(t, r.heap.allocs)
	assert.Empty(t, r.machine.calls)
}

func TestModuleFileRead(t *testing.T) {
	r := newRig()
	_, err := r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, ErrFileRead)
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Empty(t, r.heap.allocs)
}

func TestModuleDirect32(t *testing.T) {
	r := newRig()
	r.syms["printk"] = printk
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0x90909090, 0x10, 0xc3))
	o.Func(EntrySymbol, text, 0)
	o.Rel(text, 4, o.Extern("printk"), elf.R_386_32)
	r.files[modPath] = o.Bytes()

	rec, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	require.Len(t, r.heap.allocs, 1)
	base := r.heap.allocs[0]
	mem := r.heap.mem(base)
	assert.Equal(t, uint32(printk)+0x10, word(mem, 4))
	assert.Equal(t, uint32(0x90909090), word(mem, 0))
	assert.Equal(t, uint32(0xc3), word(mem, 8))
	assert.Equal(t, base, rec.Entry)
	assert.Equal(t, []Permanent{{Addr: base, Size: 12}}, rec.Memory)
	assert.Empty(t, r.heap.frees)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.relocations.WithLabelValues("R_386_32", resultApplied)))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.metrics.permanentBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.loads.WithLabelValues(kindModule, resultOK)))
}

func TestModuleDirect32Wraps(t *testing.T) {
	r := newRig()
	r.syms["high"] = 0xfffffff0
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0x20))
	o.Func(EntrySymbol, text, 0)
	o.Rel(text, 0, o.Extern("high"), elf.R_386_32)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10), word(r.heap.mem(r.heap.allocs[0]), 0))
}

func TestModulePC32(t *testing.T) {
	const (
		addend = uint32(0xfffffffc)
		site   = uint32(8)
	)
	r := newRig()
	r.syms["low"] = 0x1000
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0, 0x90909090, addend, 0xc3))
	data := o.Data(".data", elftest.Words(7, 8))
	o.Func(EntrySymbol, text, 0)
	o.Rel(text, site, o.SectionSymbol(data), elf.R_386_PC32)
	o.Rel(text, 0, o.Extern("low"), elf.R_386_PC32)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	require.Len(t, r.heap.allocs, 2)
	textBase, dataBase := uint32(r.heap.allocs[0]), uint32(r.heap.allocs[1])
	mem := r.heap.mem(r.heap.allocs[0])
	assert.Equal(t, (dataBase-textBase)+addend-site, word(mem, int(site)))
	assert.Equal(t, uint32(0x1000)-textBase, word(mem, 0))
	assert.NotEqual(t, dataBase+addend-site, word(mem, int(site)))
}

func TestModuleUnwindSectionNeverPatched(t *testing.T) {
	r := newRig()
	r.syms["printk"] = printk
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0xc3))
	eh := o.Section(".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, elftest.Words(1, 2, 3))
	o.Func(EntrySymbol, text, 0)
	ext := o.Extern("printk")
	o.Rel(eh, 0, ext, elf.R_386_32)
	o.Rel(eh, 4, o.SectionSymbol(text), elf.R_386_PC32)
	o.Rel(eh, 8, ext, elf.R_386_GOTOFF)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	require.Len(t, r.heap.allocs, 2)
	assert.Equal(t, elftest.Words(1, 2, 3), r.heap.mem(r.heap.allocs[1]))
}

func TestModuleMissingEntryPoint(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0xc3))
	o.Data(".data", elftest.Words(1))
	o.NoBits(".bss", 32)
	o.Func("cleanup_module", text, 0)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, ErrMissingEntryPoint)
	require.Len(t, r.heap.allocs, 3)
	assert.Equal(t, r.heap.allocs, r.heap.frees)
	assert.Empty(t, r.heap.live)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.rollbacks.WithLabelValues(kindModule)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.loads.WithLabelValues(kindModule, resultFailed)))
}

func TestModuleUnresolvedSymbolLeavesSite(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0x11223344, 0xc3))
	data := o.Data(".data", elftest.Words(0))
	o.Func(EntrySymbol, text, 4)
	obj := o.Symbol("counter", elf.STT_OBJECT, elf.STB_GLOBAL, elf.SectionIndex(data), 0)
	o.Rel(text, 0, obj, elf.R_386_32)
	o.Rel(text, 4, 99, elf.R_386_32)
	r.files[modPath] = o.Bytes()

	rec, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	mem := r.heap.mem(r.heap.allocs[0])
	assert.Equal(t, uint32(0x11223344), word(mem, 0))
	assert.Equal(t, uint32(0xc3), word(mem, 4))
	assert.Equal(t, r.heap.allocs[0]+4, rec.Entry)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.relocations.WithLabelValues("R_386_32", resultSkipped)))
}

func TestModuleUnresolvedSectionSymbol(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0x55, 0xc3))
	comment := o.Section(".comment", elf.SHT_PROGBITS, 0, []byte("GCC\x00"))
	o.Func(EntrySymbol, text, 4)
	o.Rel(text, 0, o.SectionSymbol(comment), elf.R_386_32)
	o.Rel(text, 0, o.Func("absolute", int(elf.SHN_ABS), 0x1234), elf.R_386_32)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	require.Len(t, r.heap.allocs, 1)
	assert.Equal(t, uint32(0x55), word(r.heap.mem(r.heap.allocs[0]), 0))
}

func TestModuleUnloadedTargetSkipped(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0xc3))
	dbg := o.Section(".debug_info", elf.SHT_PROGBITS, 0, elftest.Words(0))
	o.Func(EntrySymbol, text, 0)
	o.Rel(dbg, 0, o.SectionSymbol(text), elf.R_386_32)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
}

func TestModuleRecordsApplyInOrder(t *testing.T) {
	r := newRig()
	r.syms["a"] = 0x100
	r.syms["b"] = 0x20000
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(3))
	o.Func(EntrySymbol, text, 0)
	o.Rel(text, 0, o.Extern("a"), elf.R_386_32)
	o.Rel(text, 0, o.Extern("b"), elf.R_386_32)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000+0x100+3), word(r.heap.mem(r.heap.allocs[0]), 0))
}

func TestModuleUnresolvedExternal(t *testing.T) {
	build := func() []byte {
		o := elftest.NewObject()
		text := o.Text(".text", elftest.Words(0x42, 0xc3))
		o.Func(EntrySymbol, text, 4)
		o.Rel(text, 0, o.Extern("kmalloc"), elf.R_386_32)
		return o.Bytes()
	}
	t.Run("strict", func(t *testing.T) {
		r := newRig()
		r.files[modPath] = build()
		_, err := r.loader(t).LoadModule(modPath)
		require.ErrorIs(t, err, ErrUnresolvedExternal)
		assert.Contains(t, err.Error(), "kmalloc")
		assert.Equal(t, r.heap.allocs, r.heap.frees)
	})
	t.Run("lenient", func(t *testing.T) {
		r := newRig()
		r.config.LenientExternals = true
		r.files[modPath] = build()
		_, err := r.loader(t).LoadModule(modPath)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x42), word(r.heap.mem(r.heap.allocs[0]), 0))
	})
}

func TestModuleGlobalOffsetTableSkipped(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0x42, 0xc3))
	o.Func(EntrySymbol, text, 4)
	o.Rel(text, 0, o.Extern(gotSymbol), elf.R_386_32)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x42), word(r.heap.mem(r.heap.allocs[0]), 0))
}

func TestModuleUnsupportedRelocation(t *testing.T) {
	r := newRig()
	r.syms["printk"] = printk
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0, 0, 0xc3))
	o.Func(EntrySymbol, text, 8)
	ext := o.Extern("printk")
	o.Rel(text, 0, ext, elf.R_386_32)
	o.Rel(text, 4, ext, elf.R_386_GOTOFF)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, ErrUnsupportedRelocation)
	assert.Contains(t, err.Error(), ".rel.text")
	assert.Equal(t, r.heap.allocs, r.heap.frees)
}

func TestModuleRelaRejected(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0, 0xc3))
	entry := o.Func(EntrySymbol, text, 4)
	o.Rela(text, 0, entry, elf.R_386_32, 0)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, ErrUnsupportedRelocation)
	assert.Empty(t, r.heap.live)
}

func TestModuleRelocationOutOfBounds(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0xc3))
	entry := o.Func(EntrySymbol, text, 0)
	o.Rel(text, 2, entry, elf.R_386_32)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, ErrMalformed)
	assert.Empty(t, r.heap.live)
}

func TestModuleBssZeroed(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0xc3))
	bss := o.NoBits(".bss", 16)
	o.Func(EntrySymbol, text, 0)
	o.Rel(text, 0, o.SectionSymbol(bss), elf.R_386_32)
	r.files[modPath] = o.Bytes()

	rec, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	require.Len(t, r.heap.allocs, 2)
	assert.Equal(t, make([]byte, 16), r.heap.mem(r.heap.allocs[1]))
	assert.Equal(t, uint32(r.heap.allocs[1])+0xc3, word(r.heap.mem(r.heap.allocs[0]), 0))
	assert.Equal(t, 4+16, rec.Size())
}

func TestModuleHeapFailureRollsBack(t *testing.T) {
	r := newRig()
	r.heap.failAt = 2
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0xc3))
	o.Data(".data", elftest.Words(1))
	o.Func(EntrySymbol, text, 0)
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, errOutOfMemory)
	assert.Equal(t, r.heap.allocs, r.heap.frees)
	assert.Empty(t, r.heap.live)
}

func TestModuleRejectsOtherKinds(t *testing.T) {
	r := newRig()
	exe := elftest.NewExecutable(0x8048000)
	exe.Segment(0x8048000, []byte{0xc3}, 1)
	r.files[modPath] = exe.Bytes()
	_, err := r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, ErrWrongKind)

	obj := elftest.NewObject()
	obj.Machine = elf.EM_ARM
	obj.Func(EntrySymbol, obj.Text(".text", elftest.Words(0)), 0)
	r.files[modPath] = obj.Bytes()
	_, err = r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, ErrWrongKind)

	assert.Empty(t, r.heap.allocs)
}

func TestModuleMissingSymbolTable(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	o.Text(".text", elftest.Words(0xc3))
	o.NoSymtab = true
	r.files[modPath] = o.Bytes()

	_, err := r.loader(t).LoadModule(modPath)
	require.ErrorIs(t, err, ErrNoSymbols)
	assert.Empty(t, r.heap.allocs)
}

func TestModuleInit(t *testing.T) {
	r := newRig()
	o := elftest.NewObject()
	text := o.Text(".text", elftest.Words(0x90909090, 0xc3))
	o.Func(EntrySymbol, text, 4)
	r.files[modPath] = o.Bytes()

	rec, err := r.loader(t).LoadModule(modPath)
	require.NoError(t, err)
	require.NoError(t, rec.Init())
	assert.Equal(t, []uintptr{r.heap.allocs[0] + 4}, r.invoker.inits)

	rec.Entry = 0x10
	require.ErrorIs(t, rec.Init(), ErrInvalidEntry)
	assert.Len(t, r.invoker.inits, 1)
}
