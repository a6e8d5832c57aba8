package kload

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ZenLiuCN/kload/elfimg"
)

var (
	// ErrFileRead occurs when the file reader collaborator fails. Nothing is allocated yet.
	ErrFileRead = errors.New("file read failed")
	// ErrMalformed occurs on a bad magic, truncated headers or out of bounds records.
	ErrMalformed = elfimg.ErrMalformed
	// ErrWrongKind occurs when the container is not of the kind the load path requires.
	ErrWrongKind = elfimg.ErrWrongKind
	// ErrNoSymbols occurs when a module has no symbol table or string table.
	ErrNoSymbols = elfimg.ErrNoSymbols
	// ErrUnresolvedSection marks a symbol whose containing section was not loaded. It is only logged.
	ErrUnresolvedSection = errors.New("unresolved section")
	// ErrUnresolvedExternal occurs when the kernel symbol table has no entry for an external reference.
	ErrUnresolvedExternal = errors.New("unresolved external symbol")
	// ErrUnsupportedRelocation occurs on any relocation kind other than R_386_32 and R_386_PC32.
	ErrUnsupportedRelocation = errors.New("unsupported relocation kind")
	// ErrMissingEntryPoint occurs when a module does not define module_init.
	ErrMissingEntryPoint = errors.New("missing entry point")
	// ErrInvalidEntry occurs when an entry address lies outside the loaded image.
	ErrInvalidEntry = errors.New("invalid entry address")
	// ErrReleased occurs when a released handle is used again.
	ErrReleased = errors.New("handle already released")
)

// fileError keeps both the ErrFileRead class and the collaborator's own error matchable.
type fileError struct {
	path string
	err  error
}

func (e *fileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrFileRead, e.path, e.err)
}

func (e *fileError) Unwrap() []error {
	return []error{ErrFileRead, e.err}
}
