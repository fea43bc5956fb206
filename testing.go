package gpuflow

import (
	"context"
	"sync"

	"github.com/delgado-oss/gpuflow/internal/interfaces"
)

// MockDriver provides a deterministic, goroutine-free implementation
// of interfaces.Driver for unit tests: every "device" is a plain byte
// slice in the test process's own memory, every stream/event pair
// completes the instant it is queried, and every symbol name added with
// RegisterSymbol resolves to its handle. It tracks call counts for
// assertions.
type MockDriver struct {
	mu sync.Mutex

	deviceCount int
	props       []interfaces.DeviceProperties
	active      int
	freeBytes   uint64
	totalBytes  uint64

	deviceMem map[interfaces.DevicePtr][]byte
	nextDevPtr interfaces.DevicePtr

	hostRegistered map[interfaces.HostPtr]bool

	streams    map[interfaces.StreamHandle]bool
	nextStream interfaces.StreamHandle

	events      map[interfaces.EventHandle]bool
	nextEvent   interfaces.EventHandle

	symbols map[string]interfaces.KernelFunc
	nextSym interfaces.KernelFunc

	peerAccess map[[2]int]bool

	CopyInCalls    int
	CopyOutCalls   int
	LaunchCalls    int
	FailDeviceSet  map[int]bool
}

// NewMockDriver creates a driver simulating n identical devices, each
// reporting freeBytes/totalBytes for FreeMemoryInfo.
func NewMockDriver(n int, freeBytes, totalBytes uint64) *MockDriver {
	props := make([]interfaces.DeviceProperties, n)
	for i := range props {
		props[i] = interfaces.DeviceProperties{
			Name:              "mock",
			Major:             7,
			Minor:             5,
			SMCount:           16,
			ClockRateKHz:      1_500_000,
			ConcurrentKernels: true,
			ComputeMode:       0,
		}
	}
	return &MockDriver{
		deviceCount:    n,
		props:          props,
		freeBytes:      freeBytes,
		totalBytes:     totalBytes,
		deviceMem:      make(map[interfaces.DevicePtr][]byte),
		nextDevPtr:     1,
		hostRegistered: make(map[interfaces.HostPtr]bool),
		streams:        make(map[interfaces.StreamHandle]bool),
		nextStream:     1,
		events:         make(map[interfaces.EventHandle]bool),
		nextEvent:      1,
		symbols:        make(map[string]interfaces.KernelFunc),
		nextSym:        1,
		peerAccess:     make(map[[2]int]bool),
		FailDeviceSet:  make(map[int]bool),
	}
}

// SetDeviceProperties overrides the properties reported for device i,
// letting tests simulate heterogeneous fleets.
func (d *MockDriver) SetDeviceProperties(i int, p interfaces.DeviceProperties) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props[i] = p
}

// RegisterSymbol makes name resolvable via ResolveSymbol, simulating a
// loaded device kernel library entry.
func (d *MockDriver) RegisterSymbol(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.symbols[name]; ok {
		return
	}
	d.symbols[name] = d.nextSym
	d.nextSym++
}

// EnablePeerPair marks (from,to) as peer-capable for CanAccessPeer.
func (d *MockDriver) EnablePeerPair(from, to int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerAccess[[2]int{from, to}] = true
}

func (d *MockDriver) DeviceCount() (int, error) { return d.deviceCount, nil }

func (d *MockDriver) DeviceProperties(i int) (interfaces.DeviceProperties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.props) {
		return interfaces.DeviceProperties{}, NewDeviceError("DeviceProperties", i, KindInvalidParameters, "device index out of range")
	}
	return d.props[i], nil
}

func (d *MockDriver) SetActiveDevice(i int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= d.deviceCount {
		return NewDeviceError("SetActiveDevice", i, KindInvalidParameters, "device index out of range")
	}
	if d.FailDeviceSet[i] {
		return NewDeviceError("SetActiveDevice", i, KindDeviceFault, "device marked failed by test")
	}
	d.active = i
	return nil
}

func (d *MockDriver) AllocDeviceMemory(size uint64) (interfaces.DevicePtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size > d.freeBytes {
		return 0, NewError("AllocDeviceMemory", KindOutOfResource, "mock device out of memory")
	}
	ptr := d.nextDevPtr
	d.nextDevPtr++
	d.deviceMem[ptr] = make([]byte, size)
	d.freeBytes -= size
	return ptr, nil
}

func (d *MockDriver) FreeDeviceMemory(ptr interfaces.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.deviceMem[ptr]
	if !ok {
		return NewError("FreeDeviceMemory", KindInvalidParameters, "unknown device pointer")
	}
	d.freeBytes += uint64(len(buf))
	delete(d.deviceMem, ptr)
	return nil
}

func (d *MockDriver) FreeMemoryInfo() (free, total uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freeBytes, d.totalBytes, nil
}

func (d *MockDriver) RegisterHostMemory(ptr interfaces.HostPtr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hostRegistered[ptr] = true
	return nil
}

func (d *MockDriver) UnregisterHostMemory(ptr interfaces.HostPtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.hostRegistered, ptr)
	return nil
}

func (d *MockDriver) CreateStream() (interfaces.StreamHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.nextStream
	d.nextStream++
	d.streams[s] = true
	return s, nil
}

func (d *MockDriver) DestroyStream(s interfaces.StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, s)
	return nil
}

func (d *MockDriver) CreateEvent() (interfaces.EventHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.nextEvent
	d.nextEvent++
	d.events[e] = true
	return e, nil
}

func (d *MockDriver) DestroyEvent(e interfaces.EventHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.events, e)
	return nil
}

// RecordEvent is a no-op: every event is considered fired the instant
// it is recorded, since the mock driver has no real asynchrony.
func (d *MockDriver) RecordEvent(e interfaces.EventHandle, s interfaces.StreamHandle) error {
	return nil
}

// QueryEvent always reports ready, matching RecordEvent's synchronous
// completion model.
func (d *MockDriver) QueryEvent(e interfaces.EventHandle) (bool, error) {
	return true, nil
}

func (d *MockDriver) CopyHostToDeviceAsync(dst interfaces.DevicePtr, src interfaces.HostPtr, size uint64, s interfaces.StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CopyInCalls++
	for base, buf := range d.deviceMem {
		if dst >= base && uintptr(dst) < uintptr(base)+uintptr(len(buf)) {
			return nil
		}
	}
	return NewError("CopyHostToDeviceAsync", KindInvalidParameters, "unknown device destination")
}

func (d *MockDriver) CopyDeviceToHostAsync(dst interfaces.HostPtr, src interfaces.DevicePtr, size uint64, s interfaces.StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CopyOutCalls++
	for base, buf := range d.deviceMem {
		if src >= base && uintptr(src) < uintptr(base)+uintptr(len(buf)) {
			return nil
		}
	}
	return NewError("CopyDeviceToHostAsync", KindInvalidParameters, "unknown device source")
}

func (d *MockDriver) LaunchKernel(ctx context.Context, fn interfaces.KernelFunc, args interfaces.KernelArgs, s interfaces.StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LaunchCalls++
	if fn == 0 {
		return NewError("LaunchKernel", KindNotFound, "zero kernel handle")
	}
	return nil
}

func (d *MockDriver) CanAccessPeer(from, to int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerAccess[[2]int{from, to}], nil
}

func (d *MockDriver) EnablePeerAccess(from, to int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.peerAccess[[2]int{from, to}] {
		return NewError("EnablePeerAccess", KindInvalidParameters, "peer access not available for this pair")
	}
	return nil
}

func (d *MockDriver) ResolveSymbol(name string) (interfaces.KernelFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.symbols[name]
	return fn, ok
}

var _ interfaces.Driver = (*MockDriver)(nil)
