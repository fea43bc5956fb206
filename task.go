package gpuflow

import (
	"context"
	"sync"

	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/interfaces"
	"github.com/delgado-oss/gpuflow/internal/kernel"
	"github.com/delgado-oss/gpuflow/internal/progress"
	"github.com/delgado-oss/gpuflow/internal/stage"
)

// FlowDescriptor is the caller-supplied description of one input or
// output of a task, before a device has been chosen: which datum, and
// with what access mode.
type FlowDescriptor struct {
	Datum *datareg.Datum
	Mode  datareg.AccessMode
}

// AccessMode re-exports the datareg access-mode bitfield and its named
// values for callers assembling a TaskSpec.
type AccessMode = datareg.AccessMode

const (
	Read  = datareg.Read
	Write = datareg.Write
	Ctl   = datareg.Ctl
)

// TaskSpec is what a caller hands to Scheduler.Submit: a kernel family
// name to resolve per device, the flows it touches, a priority for the
// pending FIFO, and the argument block to pass the launched kernel.
type TaskSpec struct {
	KernelName string
	Flows      []FlowDescriptor
	Priority   int
	Args       interfaces.KernelArgs
	Context    context.Context

	// Ratio is the §4.H device-selector cost multiplier (a double's
	// relative cost against the device's single-precision weight).
	// Zero defaults to 1.0, i.e. single-precision cost.
	Ratio float64
}

// TaskEnvelope is the scheduler's concrete task: the chosen device's
// flows (datum + mode + reserved replica), the resolved kernel handle
// for that device, and completion plumbing. It implements
// progress.Envelope and stream.Task.
type TaskEnvelope struct {
	spec     TaskSpec
	flows    []*stage.Flow
	kernelFn interfaces.KernelFunc
	driver   interfaces.Driver
	done     chan taskResult
}

type taskResult struct {
	err error
}

func newTaskEnvelope(spec TaskSpec, flows []*stage.Flow, fn interfaces.KernelFunc, driver interfaces.Driver) *TaskEnvelope {
	return &TaskEnvelope{spec: spec, flows: flows, kernelFn: fn, driver: driver, done: make(chan taskResult, 1)}
}

// StreamPriority implements stream.Task.
func (t *TaskEnvelope) StreamPriority() int { return t.spec.Priority }

// Flows implements progress.Envelope.
func (t *TaskEnvelope) Flows() []*stage.Flow { return t.flows }

// EnvType implements progress.Envelope: every user-submitted task is
// TypeUser; drain tasks are synthesized directly by internal/progress.
func (t *TaskEnvelope) EnvType() progress.EnvType { return progress.TypeUser }

// Launch implements progress.Envelope by invoking the resolved kernel.
func (t *TaskEnvelope) Launch(s interfaces.StreamHandle) error {
	ctx := t.spec.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return t.driver.LaunchKernel(ctx, t.kernelFn, t.spec.Args, s)
}

// drainEnvelope wraps component 4.J's synthesized replica-eviction
// flows as a progress.Envelope indistinguishable to the stream
// pipeline from a user task, except it never reaches a compute stream.
type drainEnvelope struct {
	flows []*stage.Flow
}

func (d *drainEnvelope) StreamPriority() int                 { return 0 }
func (d *drainEnvelope) Flows() []*stage.Flow                { return d.flows }
func (d *drainEnvelope) EnvType() progress.EnvType           { return progress.TypeD2HDrain }
func (d *drainEnvelope) Launch(interfaces.StreamHandle) error { return nil }

var _ progress.Envelope = (*TaskEnvelope)(nil)
var _ progress.Envelope = (*drainEnvelope)(nil)

// TaskResolver resolves kernel family names to per-device handles,
// keeping one §6 incarnation table per kernel name since a single
// table keyed only by device index would collide across distinct
// kernels submitted against the same device.
type TaskResolver struct {
	resolver kernel.Resolver

	mu     sync.Mutex
	tables map[string]*kernel.Table
}

// NewTaskResolver wraps driver with the default §6 search order.
func NewTaskResolver(driver interfaces.Driver) *TaskResolver {
	return &TaskResolver{
		resolver: kernel.NewSymbolResolver(driver),
		tables:   make(map[string]*kernel.Table),
	}
}

// Resolve looks up (or resolves and caches) name for deviceIndex at
// capability. Returns false if no symbol was found anywhere in the
// search order.
func (r *TaskResolver) Resolve(deviceIndex, capability int, name string) (interfaces.KernelFunc, bool) {
	r.mu.Lock()
	table, ok := r.tables[name]
	if !ok {
		table = kernel.NewTable()
		r.tables[name] = table
	}
	r.mu.Unlock()

	if fn, ok := table.Lookup(deviceIndex); ok {
		return fn, true
	}
	if !kernel.ResolveFor(r.resolver, table, deviceIndex, capability, name) {
		return 0, false
	}
	return table.Lookup(deviceIndex)
}
