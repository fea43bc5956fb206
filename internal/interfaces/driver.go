// Package interfaces provides the internal interface definitions for
// gpuflow. These are separate from the public API to avoid circular
// imports between the root package and the internal component packages.
package interfaces

import "context"

// Driver is the full boundary to a target device backend required by
// the core (spec §6, "Downstream"). An implementation wraps whatever
// accelerator API is actually present (CUDA, ROCm, a simulator); the
// core never imports a concrete accelerator SDK itself.
type Driver interface {
	// DeviceCount returns the number of devices the driver can see.
	DeviceCount() (int, error)

	// DeviceProperties returns static properties for device index i.
	DeviceProperties(i int) (DeviceProperties, error)

	// SetActiveDevice makes device i the target of subsequent calls on
	// the calling goroutine. Synchronous but expected to be short.
	SetActiveDevice(i int) error

	// AllocDeviceMemory allocates a single contiguous block on the
	// currently active device.
	AllocDeviceMemory(size uint64) (DevicePtr, error)

	// FreeDeviceMemory releases a block returned by AllocDeviceMemory.
	FreeDeviceMemory(ptr DevicePtr) error

	// FreeMemoryInfo reports free and total bytes on the active device.
	FreeMemoryInfo() (free, total uint64, err error)

	// RegisterHostMemory pins a host buffer portably for async DMA.
	RegisterHostMemory(ptr HostPtr, size uint64) error

	// UnregisterHostMemory releases a prior registration.
	UnregisterHostMemory(ptr HostPtr) error

	// CreateStream creates a new asynchronous execution lane on the
	// active device.
	CreateStream() (StreamHandle, error)

	// DestroyStream releases a stream.
	DestroyStream(s StreamHandle) error

	// CreateEvent creates a pollable completion marker.
	CreateEvent() (EventHandle, error)

	// DestroyEvent releases an event.
	DestroyEvent(e EventHandle) error

	// RecordEvent records e on stream s, to fire once everything
	// previously submitted to s has completed.
	RecordEvent(e EventHandle, s StreamHandle) error

	// QueryEvent is a non-blocking poll; ready reports whether e has fired.
	QueryEvent(e EventHandle) (ready bool, err error)

	// CopyHostToDeviceAsync enqueues an async copy on s.
	CopyHostToDeviceAsync(dst DevicePtr, src HostPtr, size uint64, s StreamHandle) error

	// CopyDeviceToHostAsync enqueues an async copy on s.
	CopyDeviceToHostAsync(dst HostPtr, src DevicePtr, size uint64, s StreamHandle) error

	// LaunchKernel invokes the resolved per-device entry point for a
	// task on stream s. ctx carries task-scoped cancellation only; the
	// call itself must not block on device completion.
	LaunchKernel(ctx context.Context, fn KernelFunc, args KernelArgs, s StreamHandle) error

	// CanAccessPeer probes whether device `from` can address device
	// `to`'s memory directly. Optional: drivers without peer support
	// may always return false, nil.
	CanAccessPeer(from, to int) (bool, error)

	// EnablePeerAccess opens direct addressing from `from` to `to`.
	// Only called when CanAccessPeer reported true.
	EnablePeerAccess(from, to int) error

	// ResolveSymbol probes the driver's own loaded symbol table for a
	// kernel entry point, the last step of §6's task-kernel resolution.
	ResolveSymbol(name string) (KernelFunc, bool)
}

// DeviceProperties mirrors the static device properties §6 requires
// any driver to expose.
type DeviceProperties struct {
	Name               string
	Major, Minor       int // compute capability
	SMCount            int
	ClockRateKHz       int
	ConcurrentKernels  bool
	ComputeMode        int
}

// DevicePtr is an opaque handle to a device memory block.
type DevicePtr uintptr

// HostPtr is an opaque handle to a host memory buffer.
type HostPtr uintptr

// StreamHandle is an opaque per-driver stream identifier.
type StreamHandle uint64

// EventHandle is an opaque per-driver event identifier.
type EventHandle uint64

// KernelFunc is a resolved, device-specific entry point.
type KernelFunc uintptr

// KernelArgs is the opaque argument block a task hands to its kernel.
type KernelArgs interface{}

// Logger is the minimal logging capability the core depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer is an optional metrics sink. Implementations must be
// thread-safe: methods are called from whichever goroutine currently
// holds a device lease.
type Observer interface {
	ObserveTaskCompleted(deviceIndex int, latencyNs uint64)
	ObserveBytesIn(deviceIndex int, bytes uint64, transferred bool)
	ObserveBytesOut(deviceIndex int, bytes uint64, transferred bool)
	ObserveLoad(deviceIndex int, load float64)
	ObserveReschedule(deviceIndex int)
	ObserveDrain(deviceIndex int, replicas int)
}
