//go:build unix

package main

import (
	"github.com/pkg/errors"
	"github.com/pkujhd/goloader"

	"github.com/ZenLiuCN/kload"
)

// hostSymbols exports every symbol of the running binary.
func hostSymbols() (kload.Symbols, error) {
	syms := make(map[string]uintptr)
	if err := goloader.RegSymbol(syms); err != nil {
		return nil, errors.Wrap(err, "register host symbols")
	}
	return kload.Symbols(syms), nil
}
