// Package kernel implements task-kernel resolution (§6): turning a
// per-task kernel family name into a concrete, per-device function
// pointer by probing library search paths and the process's own symbol
// table. Per design note 9's "dynamic kernel loading" guidance, the
// actual probing is abstracted behind an injected Resolver so tests can
// supply a stub and the default implementation can evolve independently.
package kernel

import (
	"fmt"

	"github.com/delgado-oss/gpuflow/internal/interfaces"
)

// CapabilitySteps are the legal compute-capability suffixes the
// original probes, descending-stepped from a device's own capability
// until a match is found (§6; design note 9.a: "iterate over all 8
// legal capabilities").
var CapabilitySteps = []int{35, 30, 21, 20, 13, 12, 11, 10}

// Resolver resolves one symbol name for a specific capability. The
// default implementation (SymbolResolver) probes a driver's own symbol
// table; tests substitute a stub that returns canned entries.
type Resolver interface {
	Resolve(capability int, name string) (interfaces.KernelFunc, bool)
}

// SymbolResolver is the default Resolver: it tries, in order,
// "<name>_SM<cap>" for each legal capability <= the device's own
// (descending), then the bare name, against the driver's loaded
// symbol table. A real deployment's driver is expected to have already
// dlopen'd every path from the configured search list at startup; this
// package only sequences the name-mangling search order over whatever
// the driver exposes.
type SymbolResolver struct {
	Driver interfaces.Driver
}

// NewSymbolResolver wraps driver as a Resolver.
func NewSymbolResolver(driver interfaces.Driver) *SymbolResolver {
	return &SymbolResolver{Driver: driver}
}

// Resolve implements Resolver.
func (s *SymbolResolver) Resolve(capability int, name string) (interfaces.KernelFunc, bool) {
	for _, step := range CapabilitySteps {
		if step > capability {
			continue
		}
		mangled := fmt.Sprintf("%s_SM%d", name, step)
		if fn, ok := s.Driver.ResolveSymbol(mangled); ok {
			return fn, true
		}
	}
	return s.Driver.ResolveSymbol(name)
}

// Table caches per-device resolved function pointers for one task's
// kernel family name, the "incarnation table" of §6.
type Table struct {
	byDevice map[int]interfaces.KernelFunc
}

// NewTable returns an empty incarnation table.
func NewTable() *Table {
	return &Table{byDevice: make(map[int]interfaces.KernelFunc)}
}

// Lookup returns a previously resolved function for deviceIndex.
func (t *Table) Lookup(deviceIndex int) (interfaces.KernelFunc, bool) {
	fn, ok := t.byDevice[deviceIndex]
	return fn, ok
}

// ResolveFor resolves name for deviceIndex at capability, caching the
// result. Returns false, and leaves the device unresolved, if no
// symbol was found anywhere in the search order (§7 NotFound: the
// caller removes this device from the task's eligible mask rather than
// failing the whole task).
func ResolveFor(resolver Resolver, table *Table, deviceIndex, capability int, name string) bool {
	fn, ok := resolver.Resolve(capability, name)
	if !ok {
		return false
	}
	table.byDevice[deviceIndex] = fn
	return true
}
