package kload

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ZenLiuCN/kload/elfimg"
)

type (
	// LoadedSegment is one mapped PT_LOAD segment, owned by its ProcessHandle. Virt is the
	// page aligned base; the segment's bytes start at its vaddr within the first page.
	LoadedSegment struct {
		Phys  PhysAddr
		Virt  VirtAddr
		Pages int
	}
	// ProcessHandle owns the segments of a loaded executable until Release.
	ProcessHandle struct {
		path     string
		entry    uintptr
		segments []LoadedSegment
		loader   *Loader
		released bool
	}
)

// segmentPages is ceil((vaddr % PageSize + memsz) / PageSize), at least one page. For a page
// aligned segment that is ceil(memsz / PageSize).
func segmentPages(vaddr, memsz uint32) int {
	n := (uint64(vaddr%PageSize) + uint64(memsz) + PageSize - 1) / PageSize
	return int(max(n, 1))
}

func (s LoadedSegment) size() uint64 { return uint64(s.Pages) * PageSize }

func (s LoadedSegment) contains(addr uintptr) bool {
	return uint64(addr) >= uint64(s.Virt) && uint64(addr) < uint64(s.Virt)+s.size()
}

func (s LoadedSegment) overlaps(o LoadedSegment) bool {
	return uint64(s.Virt) < uint64(o.Virt)+o.size() && uint64(o.Virt) < uint64(s.Virt)+s.size()
}

func (l *Loader) loadSegments(img *elfimg.Image, logger log.Logger) ([]LoadedSegment, error) {
	var loaded []LoadedSegment
	fail := func(err error) ([]LoadedSegment, error) {
		l.metrics.rollbacks.WithLabelValues(kindExec).Inc()
		if rerr := l.releaseSegments(loaded); rerr != nil {
			level.Error(logger).Log("msg", "rollback incomplete", "err", rerr)
		}
		return nil, err
	}
	for _, seg := range img.LoadSegments() {
		data, err := img.SegmentData(seg)
		if err != nil {
			return fail(err)
		}
		off := int(seg.Vaddr % PageSize)
		cur := LoadedSegment{Virt: VirtAddr(seg.Vaddr) &^ (PageSize - 1), Pages: segmentPages(seg.Vaddr, seg.Memsz)}
		for _, o := range loaded {
			if cur.overlaps(o) {
				return fail(errors.Wrapf(ErrMalformed, "segment %d at 0x%x overlaps segment at 0x%x", seg.Index, cur.Virt, o.Virt))
			}
		}
		if cur.Phys, err = l.kernel.Pages.AllocPages(cur.Pages); err != nil {
			return fail(errors.Wrapf(err, "segment %d: allocate %d pages", seg.Index, cur.Pages))
		}
		size := uint32(cur.size())
		if err = l.kernel.Mapper.Map(l.kernel.Directory, cur.Phys, cur.Virt, size, PagePresent|PageUser|PageWritable); err != nil {
			if ferr := l.kernel.Pages.FreePages(cur.Phys, cur.Pages); ferr != nil {
				level.Error(logger).Log("msg", "free pages", "err", ferr)
			}
			return fail(errors.Wrapf(err, "segment %d: map 0x%x", seg.Index, cur.Virt))
		}
		view, err := l.kernel.Mapper.View(l.kernel.Directory, cur.Virt, size)
		if err != nil || len(view) < off+len(data) {
			if rerr := l.releaseSegments([]LoadedSegment{cur}); rerr != nil {
				level.Error(logger).Log("msg", "release segment", "err", rerr)
			}
			if err == nil {
				err = errors.Errorf("view of %d bytes, need %d", len(view), off+len(data))
			}
			return fail(errors.Wrapf(err, "segment %d: view 0x%x", seg.Index, cur.Virt))
		}
		clear(view)
		copy(view[off:], data)
		loaded = append(loaded, cur)
		level.Debug(logger).Log("msg", "segment loaded", "index", seg.Index, "virt", hex(cur.Virt), "phys", hex(cur.Phys),
			"pages", cur.Pages, "filesz", seg.Filesz, "memsz", seg.Memsz)
	}
	return loaded, nil
}

// releaseSegments unmaps every page and frees every segment, in order.
func (l *Loader) releaseSegments(segs []LoadedSegment) error {
	var errs *multierror.Error
	for _, s := range segs {
		for p := 0; p < s.Pages; p++ {
			virt := s.Virt + VirtAddr(p*PageSize)
			if err := l.kernel.Mapper.Unmap(l.kernel.Directory, virt); err != nil {
				errs = multierror.Append(errs, errors.Wrapf(err, "unmap 0x%x", virt))
			}
		}
		if err := l.kernel.Pages.FreePages(s.Phys, s.Pages); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "free %d pages at 0x%x", s.Pages, s.Phys))
		}
	}
	return errs.ErrorOrNil()
}

func (h *ProcessHandle) Path() string   { return h.path }
func (h *ProcessHandle) Entry() uintptr { return h.entry }
func (h *ProcessHandle) Released() bool { return h.released }

// Segments returns a copy of the recorded segments.
func (h *ProcessHandle) Segments() []LoadedSegment {
	return append([]LoadedSegment(nil), h.segments...)
}

// Run calls the entry with argv = [path] + args on the calling goroutine and returns when it does.
func (h *ProcessHandle) Run(args []string) error {
	if h.released {
		return ErrReleased
	}
	valid := false
	for _, s := range h.segments {
		if s.contains(h.entry) {
			valid = true
			break
		}
	}
	if !valid {
		return errors.Wrapf(ErrInvalidEntry, "entry 0x%x outside every segment of %s", h.entry, h.path)
	}
	argv := append([]string{h.path}, args...)
	level.Debug(h.loader.logger).Log("msg", "run", "path", h.path, "entry", hex(h.entry), "argc", len(argv))
	return h.loader.kernel.Invoker.CallMain(h.entry, argv)
}

// Release unmaps and frees every segment in recorded order. A second call returns ErrReleased.
func (h *ProcessHandle) Release() error {
	if h.released {
		return ErrReleased
	}
	h.released = true
	err := h.loader.releaseSegments(h.segments)
	level.Debug(h.loader.logger).Log("msg", "released", "path", h.path, "segments", len(h.segments))
	h.segments = nil
	return err
}
