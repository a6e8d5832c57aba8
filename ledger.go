package kload

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type (
	// Ledger records every heap block taken during one module load so a failed load can give them back.
	//
	// A ledger ends exactly once: Rollback frees everything, Commit turns everything into Permanent memory.
	Ledger struct {
		heap   Heap
		blocks []Block
		closed bool
	}
	// Permanent is module memory that outlives every handle. Nothing frees it: there is no unload path.
	Permanent struct {
		Addr uintptr
		Size int
	}
)

func NewLedger(heap Heap) *Ledger {
	return &Ledger{heap: heap}
}

// Alloc takes a block from the heap and records it.
func (l *Ledger) Alloc(size, align int) (Block, error) {
	l.check()
	b, err := l.heap.Alloc(size, align)
	if err != nil {
		return Block{}, errors.Wrapf(err, "allocate %d bytes aligned %d", size, align)
	}
	for _, o := range l.blocks {
		if b.Addr < o.end() && o.Addr < b.end() {
			var errs *multierror.Error
			errs = multierror.Append(errs, errors.Errorf("heap returned block 0x%x+0x%x overlapping 0x%x+0x%x", b.Addr, b.Size, o.Addr, o.Size))
			if err = l.heap.Free(b); err != nil {
				errs = multierror.Append(errs, errors.Wrapf(err, "free block 0x%x", b.Addr))
			}
			return Block{}, errs.ErrorOrNil()
		}
	}
	l.blocks = append(l.blocks, b)
	return b, nil
}

// Len is the number of recorded blocks.
func (l *Ledger) Len() int { return len(l.blocks) }

// Rollback frees every recorded block in recorded order.
func (l *Ledger) Rollback() error {
	l.check()
	l.closed = true
	var errs *multierror.Error
	for _, b := range l.blocks {
		if err := l.heap.Free(b); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "free block 0x%x", b.Addr))
		}
	}
	l.blocks = nil
	return errs.ErrorOrNil()
}

// Commit releases every recorded block from the ledger as permanent memory.
func (l *Ledger) Commit() []Permanent {
	l.check()
	l.closed = true
	out := make([]Permanent, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = Permanent{Addr: b.Addr, Size: b.Size}
	}
	l.blocks = nil
	return out
}

func (l *Ledger) check() {
	if l.closed {
		panic("kload: ledger used after commit or rollback")
	}
}
