package kload

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/kload/elfimg"
)

// EntrySymbol is the symbol a module must define to be initialised.
const EntrySymbol = "module_init"

// Loader turns ELF files into runnable process handles and permanently linked modules.
//
// A Loader keeps no state between loads; concurrent loads of different files only share
// the collaborators in Kernel.
type Loader struct {
	kernel  Kernel
	config  Config
	logger  log.Logger
	metrics *Metrics
}

// NewLoader creates a Loader over the given collaborators.
func NewLoader(k Kernel, opts ...Option) *Loader {
	l := &Loader{
		kernel: k,
		config: DefaultConfig(),
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	if l.kernel.Invoker == nil {
		l.kernel.Invoker = NativeInvoker{}
	}
	if l.kernel.Symbols == nil {
		l.kernel.Symbols = Symbols{}
	}
	if !l.config.Debug {
		l.logger = level.NewFilter(l.logger, level.AllowInfo())
	}
	return l
}

func (l *Loader) open(path string, logger log.Logger) (*elfimg.Image, error) {
	data, err := l.kernel.Files.ReadFile(path)
	if err != nil {
		return nil, &fileError{path: path, err: err}
	}
	img, err := elfimg.Open(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	level.Debug(logger).Log("msg", "opened image", "type", img.Type(), "machine", img.Machine(), "size", img.Len())
	return img, nil
}

// LoadExecutable maps every PT_LOAD segment of an ET_EXEC image at its link-time address.
//
// On failure every segment mapped so far is unmapped and freed before the error is returned.
func (l *Loader) LoadExecutable(path string) (h *ProcessHandle, err error) {
	logger := log.With(l.logger, "op", kindExec, "path", path)
	defer func() { l.metrics.load(kindExec, err) }()
	img, err := l.open(path, logger)
	if err != nil {
		return nil, err
	}
	if img.Type() != elf.ET_EXEC {
		return nil, errors.Wrapf(ErrWrongKind, "%s: type %s, expected ET_EXEC", path, img.Type())
	}
	segs, err := l.loadSegments(img, logger)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	h = &ProcessHandle{
		path:     path,
		entry:    uintptr(img.Entry()),
		segments: segs,
		loader:   l,
	}
	level.Info(logger).Log("msg", "executable loaded", "entry", hex(h.entry), "segments", len(segs))
	return h, nil
}

// LoadModule links an ET_REL i386 module against the kernel symbol table.
//
// On success the section memory becomes Permanent and is never freed. On failure every
// heap block taken during the attempt is freed before the error is returned.
func (l *Loader) LoadModule(path string) (r *ModuleRecord, err error) {
	logger := log.With(l.logger, "op", kindModule, "path", path)
	defer func() { l.metrics.load(kindModule, err) }()
	img, err := l.open(path, logger)
	if err != nil {
		return nil, err
	}
	if img.Type() != elf.ET_REL {
		return nil, errors.Wrapf(ErrWrongKind, "%s: type %s, expected ET_REL", path, img.Type())
	}
	if img.Machine() != elf.EM_386 {
		return nil, errors.Wrapf(ErrWrongKind, "%s: machine %s, expected EM_386", path, img.Machine())
	}
	syms, err := img.Symbols()
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	ledger := NewLedger(l.kernel.Heap)
	entry, err := l.link(img, syms, ledger, logger)
	if err != nil {
		l.metrics.rollbacks.WithLabelValues(kindModule).Inc()
		n := ledger.Len()
		if rerr := ledger.Rollback(); rerr != nil {
			level.Error(logger).Log("msg", "rollback incomplete", "err", rerr)
		} else {
			level.Debug(logger).Log("msg", "rolled back", "blocks", n)
		}
		return nil, errors.Wrap(err, path)
	}
	r = &ModuleRecord{
		Path:    path,
		Entry:   entry,
		Memory:  ledger.Commit(),
		invoker: l.kernel.Invoker,
	}
	for _, m := range r.Memory {
		l.metrics.permanentBytes.Add(float64(m.Size))
	}
	level.Info(logger).Log("msg", "module linked", "entry", hex(entry), "sections", len(r.Memory))
	return r, nil
}

func (l *Loader) link(img *elfimg.Image, syms []elfimg.Symbol, ledger *Ledger, logger log.Logger) (uintptr, error) {
	sections, err := l.loadSections(img, ledger, logger)
	if err != nil {
		return 0, err
	}
	resolved, err := l.resolveSymbols(img, syms, sections, logger)
	if err != nil {
		return 0, err
	}
	if err = l.applyRelocations(img, sections, resolved, logger); err != nil {
		return 0, err
	}
	entry, ok := resolved.byName(EntrySymbol)
	if !ok {
		return 0, errors.Wrapf(ErrMissingEntryPoint, "no %s symbol", EntrySymbol)
	}
	return entry.Address, nil
}

// hex renders addresses in log lines.
type hex uintptr

func (h hex) String() string {
	return fmt.Sprintf("%#x", uintptr(h))
}
