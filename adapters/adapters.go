// Package adapters is the DigitizerAdapter registry: hardware-specific
// packages Register a named factory at init() time, and integrations Open
// one by name, the same split periph.go's Driver/Register/Init and
// conn/i2c/i2creg's bus registry use to keep callers decoupled from the
// concrete driver packages they link in.
package adapters

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/epics-trcore/trcore/armctl"
)

// Factory constructs a fresh DigitizerAdapter. It is called once per Open.
type Factory func() (armctl.DigitizerAdapter, error)

var (
	mu      sync.Mutex
	byName  = map[string]Factory{}
)

// Register registers a named adapter factory. Registering the same name
// twice is an error, the same guard i2creg.Register places on bus names.
func Register(name string, f Factory) error {
	if len(name) == 0 {
		return wrapf("can't register an adapter with no name")
	}
	if f == nil {
		return wrapf("can't register adapter %q with a nil factory", name)
	}
	if strings.Contains(name, ":") {
		return wrapf("can't register adapter %q with name containing ':'", name)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := byName[name]; ok {
		return wrapf("can't register adapter %q twice", name)
	}
	byName[name] = f
	return nil
}

// MustRegister is Register, panicking on error. Driver packages call this
// from init() the way periph.go's MustRegister does for bus/device drivers.
func MustRegister(name string, f Factory) {
	if err := Register(name, f); err != nil {
		panic(err)
	}
}

// Open constructs the named adapter via its registered factory.
func Open(name string) (armctl.DigitizerAdapter, error) {
	mu.Lock()
	f, ok := byName[name]
	mu.Unlock()
	if !ok {
		return nil, wrapf("unknown adapter %q; did you forget to import its driver package?", name)
	}
	return f()
}

// All returns the names of every registered adapter, sorted.
func All() []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, 0, len(byName))
	for name := range byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func wrapf(format string, a ...interface{}) error {
	return fmt.Errorf("adapters: "+format, a...)
}
