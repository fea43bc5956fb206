package kernel

import (
	"testing"

	"github.com/delgado-oss/gpuflow/internal/interfaces"
)

// stubDriver answers ResolveSymbol from a fixed map, letting tests
// control exactly which mangled names exist without pulling in a full
// interfaces.Driver implementation.
type stubDriver struct {
	interfaces.Driver
	symbols map[string]interfaces.KernelFunc
}

func (s *stubDriver) ResolveSymbol(name string) (interfaces.KernelFunc, bool) {
	fn, ok := s.symbols[name]
	return fn, ok
}

func TestSymbolResolverPrefersCapabilitySpecificName(t *testing.T) {
	d := &stubDriver{symbols: map[string]interfaces.KernelFunc{
		"axpy_SM30": 10,
		"axpy":      20,
	}}
	r := NewSymbolResolver(d)

	fn, ok := r.Resolve(35, "axpy")
	if !ok || fn != 10 {
		t.Errorf("Resolve(35, axpy) = (%v, %v), want (10, true)", fn, ok)
	}
}

func TestSymbolResolverStepsDownCapability(t *testing.T) {
	d := &stubDriver{symbols: map[string]interfaces.KernelFunc{
		"axpy_SM20": 7,
	}}
	r := NewSymbolResolver(d)

	fn, ok := r.Resolve(30, "axpy")
	if !ok || fn != 7 {
		t.Errorf("Resolve(30, axpy) = (%v, %v), want (7, true)", fn, ok)
	}
}

func TestSymbolResolverNeverStepsAboveDeviceCapability(t *testing.T) {
	d := &stubDriver{symbols: map[string]interfaces.KernelFunc{
		"axpy_SM35": 99,
		"axpy":      1,
	}}
	r := NewSymbolResolver(d)

	fn, ok := r.Resolve(21, "axpy")
	if !ok || fn != 1 {
		t.Errorf("Resolve(21, axpy) = (%v, %v), want bare-name fallback (1, true)", fn, ok)
	}
}

func TestSymbolResolverNotFound(t *testing.T) {
	d := &stubDriver{symbols: map[string]interfaces.KernelFunc{}}
	r := NewSymbolResolver(d)

	if _, ok := r.Resolve(35, "missing"); ok {
		t.Error("Resolve() found a symbol that was never registered")
	}
}

func TestTableCachesPerDevice(t *testing.T) {
	d := &stubDriver{symbols: map[string]interfaces.KernelFunc{"axpy": 5}}
	r := NewSymbolResolver(d)
	table := NewTable()

	if !ResolveFor(r, table, 0, 75, "axpy") {
		t.Fatal("ResolveFor() failed")
	}
	fn, ok := table.Lookup(0)
	if !ok || fn != 5 {
		t.Errorf("Lookup(0) = (%v, %v), want (5, true)", fn, ok)
	}
	if _, ok := table.Lookup(1); ok {
		t.Error("Lookup(1) should be unresolved, ResolveFor was only called for device 0")
	}
}

func TestResolveForLeavesUnresolvedOnMiss(t *testing.T) {
	d := &stubDriver{symbols: map[string]interfaces.KernelFunc{}}
	r := NewSymbolResolver(d)
	table := NewTable()

	if ResolveFor(r, table, 0, 75, "missing") {
		t.Fatal("ResolveFor() should fail when no symbol is found")
	}
	if _, ok := table.Lookup(0); ok {
		t.Error("Lookup(0) should remain unresolved after a failed ResolveFor")
	}
}
