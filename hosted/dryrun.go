package hosted

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ZenLiuCN/kload"
)

// Call is one invocation seen by DryRun.
type Call struct {
	Entry uintptr
	Argv  []string // nil for module init
}

// DryRun is an Invoker that logs and records calls instead of jumping to them.
type DryRun struct {
	Logger log.Logger

	mu    sync.Mutex
	calls []Call
}

var _ kload.Invoker = (*DryRun)(nil)

func (d *DryRun) CallMain(entry uintptr, argv []string) error {
	d.record(Call{Entry: entry, Argv: append([]string{}, argv...)})
	level.Info(d.logger()).Log("msg", "dry run main", "entry", hexAddr(entry), "argc", len(argv), "argv", strings.Join(argv, " "))
	return nil
}

func (d *DryRun) CallInit(entry uintptr) error {
	d.record(Call{Entry: entry})
	level.Info(d.logger()).Log("msg", "dry run init", "entry", hexAddr(entry))
	return nil
}

// Calls returns the recorded calls in order.
func (d *DryRun) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

func (d *DryRun) record(c Call) {
	d.mu.Lock()
	d.calls = append(d.calls, c)
	d.mu.Unlock()
}

func (d *DryRun) logger() log.Logger {
	if d.Logger == nil {
		return log.NewNopLogger()
	}
	return d.Logger
}

type hexAddr uintptr

func (h hexAddr) String() string { return fmt.Sprintf("%#x", uintptr(h)) }
