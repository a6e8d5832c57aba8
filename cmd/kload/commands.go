//go:build unix

package main

import (
	"debug/elf"
	"fmt"
	"maps"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/ZenLiuCN/kload"
	"github.com/ZenLiuCN/kload/elfimg"
	"github.com/ZenLiuCN/kload/hosted"
	"github.com/ZenLiuCN/kload/pool"
)

func (c commands) inspect(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return errors.New("missing files to inspect")
	}
	w := ctx.App.Writer
	files := hosted.Files{Fs: c.fs}
	for _, path := range ctx.Args().Slice() {
		data, err := files.ReadFile(path)
		if err != nil {
			return err
		}
		img, err := elfimg.Open(data)
		if err != nil {
			return errors.Wrap(err, path)
		}
		fmt.Fprintf(w, "%s: %s %s entry %#x, %s\n", path, img.Type(), img.Machine(), img.Entry(), humanize.Bytes(uint64(img.Len())))
		for _, s := range img.LoadSegments() {
			fmt.Fprintf(w, "  segment %d at %#08x: file %s, memory %s, %s\n", s.Index, s.Vaddr,
				humanize.Bytes(uint64(s.Filesz)), humanize.Bytes(uint64(s.Memsz)), s.Flags)
		}
		for _, s := range img.Sections() {
			if s.Type == elf.SHT_NULL {
				continue
			}
			fmt.Fprintf(w, "  section %d %-16s %-12s %8s align %d %s\n", s.Index, s.Name, s.Type,
				humanize.Bytes(uint64(s.Size)), s.Align, s.Flags)
		}
		for _, rs := range img.RelSections() {
			n := "explicit addends"
			if rels, err := img.Rels(rs); err == nil {
				n = fmt.Sprintf("%d records", len(rels))
			}
			fmt.Fprintf(w, "  relocations %s: %s\n", rs.Name, n)
		}
		if syms, err := img.Symbols(); err == nil {
			fmt.Fprintf(w, "  symbols: %d\n", len(syms)-1)
		}
		if ctx.Bool("dump") {
			sp := spew.ConfigState{Indent: "  ", MaxDepth: 2, DisablePointerAddresses: true, SortKeys: true}
			sp.Fdump(w, img.Sections())
		}
	}
	return nil
}

func (c commands) execute(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return errors.New("missing executable")
	}
	e, err := c.setup(ctx)
	if err != nil {
		return err
	}
	defer e.done()
	m, err := hosted.NewMachine(c.fs, ctx.Int("frames"), e.logger)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(m)
	h, err := e.loader(m.Kernel(kload.Symbols{})).LoadExecutable(ctx.Args().First())
	if err != nil {
		return err
	}
	for _, s := range h.Segments() {
		fmt.Fprintf(e.out, "%#08x -> %#08x  %d pages\n", s.Virt, s.Phys, s.Pages)
	}
	fmt.Fprintf(e.out, "%d of %d frames in use\n", m.Phys.Used(), m.Phys.Frames())
	if err = h.Run(ctx.Args().Tail()); err != nil {
		level.Error(e.logger).Log("msg", "run", "err", err)
	}
	if rerr := h.Release(); rerr != nil {
		return rerr
	}
	return err
}

// kernelSymbols merges a System.map listing, a binary ksym table and the host's own symbols,
// each when asked for. Later sources override earlier ones.
func (c commands) kernelSymbols(ctx *cli.Context, mapPath string) (kload.Symbols, error) {
	syms := kload.Symbols{}
	if mapPath != "" {
		f, err := c.fs.Open(mapPath)
		if err != nil {
			return nil, errors.Wrap(err, "open symbol map")
		}
		defer fn.IgnoreClose(f)
		listed, err := kload.ParseSymbolMap(f)
		if err != nil {
			return nil, errors.Wrap(err, mapPath)
		}
		maps.Copy(syms, listed)
	}
	if path := ctx.String("ksym"); path != "" {
		blob, err := afero.ReadFile(c.fs, path)
		if err != nil {
			return nil, errors.Wrap(err, "read ksym table")
		}
		table, err := kload.ParseKsym(blob)
		if err != nil {
			return nil, errors.Wrap(err, path)
		}
		maps.Copy(syms, table)
	}
	if ctx.Bool("host") {
		host, err := hostSymbols()
		if err != nil {
			return nil, err
		}
		maps.Copy(syms, host)
	}
	return syms, nil
}

func (c commands) insmod(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return errors.New("missing modules")
	}
	e, err := c.setup(ctx)
	if err != nil {
		return err
	}
	defer e.done()
	syms, err := c.kernelSymbols(ctx, ctx.String("symbols"))
	if err != nil {
		return err
	}
	m, err := hosted.NewMachine(c.fs, ctx.Int("frames"), e.logger)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(m)
	p := pool.NewPool(e.loader(m.Kernel(syms)))
	for _, path := range ctx.Args().Slice() {
		r, err := p.Insmod(path)
		if r == nil {
			return err
		}
		fmt.Fprintf(e.out, "%s: entry %#x, %s pinned in %d blocks\n", path, r.Entry, humanize.IBytes(uint64(r.Size())), len(r.Memory))
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(e.out, "%d modules, %s pinned\n", len(p.Paths()), humanize.IBytes(uint64(p.Pinned())))
	return nil
}

func (c commands) symbols(ctx *cli.Context) error {
	syms, err := c.kernelSymbols(ctx, ctx.Args().First())
	if err != nil {
		return err
	}
	for _, name := range syms.Names() {
		if _, err = fmt.Fprintf(ctx.App.Writer, "%016x %s\n", syms[name], name); err != nil {
			return err
		}
	}
	return nil
}
