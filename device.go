package gpuflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/delgado-oss/gpuflow/internal/config"
	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/evict"
	"github.com/delgado-oss/gpuflow/internal/interfaces"
	"github.com/delgado-oss/gpuflow/internal/lru"
	"github.com/delgado-oss/gpuflow/internal/progress"
	"github.com/delgado-oss/gpuflow/internal/selector"
	"github.com/delgado-oss/gpuflow/internal/stage"
	"github.com/delgado-oss/gpuflow/internal/stream"
	"github.com/delgado-oss/gpuflow/internal/zone"
)

// numComputeStreams is how many compute lanes each device runs
// alongside its dedicated stage-in/stage-out streams, matching the
// original's default of two concurrent kernel streams per device.
const numComputeStreams = 2

// ringDepth is the number of outstanding events each stream tracks.
const ringDepth = 4

// Device is one accelerator's scheduling state: its fixed-slab zone,
// free/owned LRU sets, stream pipeline, pending FIFO, and lease. It
// implements progress.Device.
type Device struct {
	index      int
	driver     interfaces.Driver
	registry   *datareg.Registry
	logger     interfaces.Logger
	observer   interfaces.Observer

	props interfaces.DeviceProperties

	zone     *zone.Zone
	freeLRU  *lru.List
	ownedLRU *lru.List

	streams     []*stream.Stream
	computeNext int

	pending *stream.PendingFIFO
	lease   *progress.Lease

	sweight float64
	dweight float64
	load    *selector.Load

	// peerMask is the supplemented peer-access bitmask (bit j set means
	// this device can DMA directly to device j), probed once at
	// registration by Scheduler.RegisterDevice.
	peerMask uint64

	// cpuAffinity is the OS CPU index the lease worker pins itself to
	// while running this device's progress loop, or -1 to leave the
	// goroutine's thread unpinned beyond runtime.LockOSThread.
	cpuAffinity int

	taskStart map[*TaskEnvelope]time.Time

	mu      sync.Mutex
	enabled bool
}

func newDevice(index int, driver interfaces.Driver, registry *datareg.Registry, props interfaces.DeviceProperties, logger interfaces.Logger, observer interfaces.Observer) *Device {
	return &Device{
		index:     index,
		driver:    driver,
		registry:  registry,
		logger:    logger,
		observer:  observer,
		props:     props,
		freeLRU:   lru.New(),
		ownedLRU:  lru.New(),
		pending:   stream.NewPendingFIFO(),
		lease:     &progress.Lease{},
		load:      &selector.Load{},
		taskStart:   make(map[*TaskEnvelope]time.Time),
		enabled:     true,
		cpuAffinity: -1,
	}
}

// bringUp performs the one-shot device initialization (§4.E): plans and
// requests the memory reservation, builds the zone allocator, and
// opens the stream pipeline. Callers must have already made index the
// active device.
func (d *Device) bringUp(cfg config.Config) error {
	free, _, err := d.driver.FreeMemoryInfo()
	if err != nil {
		return WrapError("FreeMemoryInfo", err)
	}

	plan, err := zone.Plan(free, uint64(cfg.MemoryBlockSize), cfg.MemoryUsePercent, cfg.MemoryNumberOfBlocks)
	if err != nil {
		if zone.IsInsufficientMemory(err) {
			return NewDeviceError("bringUp", d.index, KindOutOfResource, "reserved memory smaller than one block")
		}
		return WrapError("bringUp", err)
	}

	base, err := d.driver.AllocDeviceMemory(plan.Bytes)
	if err != nil {
		return NewDeviceError("bringUp", d.index, KindOutOfResource, "device memory reservation rejected")
	}
	d.zone = zone.New(uintptr(base), uint64(cfg.MemoryBlockSize), plan.Blocks)

	roles := make([]stream.Role, 0, 2+numComputeStreams)
	roles = append(roles, stream.RoleStageIn, stream.RoleStageOut)
	for i := 0; i < numComputeStreams; i++ {
		roles = append(roles, stream.RoleCompute)
	}
	streams := make([]*stream.Stream, 0, len(roles))
	for _, role := range roles {
		s, err := d.newStream(role)
		if err != nil {
			return &Error{Op: "bringUp", DeviceIndex: d.index, Kind: KindDeviceFault, Msg: "stream/event creation failed", Inner: err}
		}
		streams = append(streams, s)
	}
	d.streams = streams

	coresPerSM := selector.CoresPerSM(d.props.Major, d.props.Minor)
	d.sweight = selector.ComputeWeight(d.props.SMCount, coresPerSM, d.props.ClockRateKHz)
	d.dweight = selector.DWeight(d.sweight, d.props.Major)

	return nil
}

func (d *Device) newStream(role stream.Role) (*stream.Stream, error) {
	handle, err := d.driver.CreateStream()
	if err != nil {
		return nil, err
	}
	events := make([]interfaces.EventHandle, ringDepth)
	for i := range events {
		e, err := d.driver.CreateEvent()
		if err != nil {
			return nil, err
		}
		events[i] = e
	}
	return stream.New(role, d.driver, handle, d.zone, ringDepth, events), nil
}

// Index implements progress.Device.
func (d *Device) Index() int { return d.index }

// Driver implements progress.Device.
func (d *Device) Driver() interfaces.Driver { return d.driver }

// Registry implements progress.Device.
func (d *Device) Registry() *datareg.Registry { return d.registry }

// FreeLRU implements progress.Device.
func (d *Device) FreeLRU() *lru.List { return d.freeLRU }

// OwnedLRU implements progress.Device.
func (d *Device) OwnedLRU() *lru.List { return d.ownedLRU }

// Streams implements progress.Device: [0]=stage-in [1]=stage-out [2:]=compute.
func (d *Device) Streams() []*stream.Stream { return d.streams }

// Pending implements progress.Device.
func (d *Device) Pending() *stream.PendingFIFO { return d.pending }

// Lease implements progress.Device.
func (d *Device) Lease() *progress.Lease { return d.lease }

// NextComputeStream implements progress.Device, round-robining across
// the compute lanes (index 2 onward).
func (d *Device) NextComputeStream() *stream.Stream {
	computeStreams := d.streams[2:]
	s := computeStreams[d.computeNext%len(computeStreams)]
	d.computeNext++
	return s
}

// NewDrainEnvelope implements progress.Device, wrapping component 4.J's
// victim scan as a progress.Envelope.
func (d *Device) NewDrainEnvelope() progress.Envelope {
	flows := progress.ScanDrainVictims(d.registry, d.ownedLRU)
	if len(flows) == 0 {
		return nil
	}
	if d.observer != nil {
		d.observer.ObserveDrain(d.index, len(flows))
	}
	return &drainEnvelope{flows: flows}
}

// Observer implements progress.Device.
func (d *Device) Observer() interfaces.Observer { return d.observer }

// Complete implements progress.Device: signals the waiting caller, if
// any, that the task finished successfully.
func (d *Device) Complete(env progress.Envelope) {
	te, ok := env.(*TaskEnvelope)
	if !ok {
		return
	}
	latency := d.takeLatency(te)
	if d.observer != nil {
		d.observer.ObserveTaskCompleted(d.index, latency)
	}
	te.done <- taskResult{}
}

// Fail implements progress.Device: signals the waiting caller with err
// and logs one diagnostic line (§7 "single diagnostic per error").
func (d *Device) Fail(env progress.Envelope, err error) {
	te, ok := env.(*TaskEnvelope)
	if !ok {
		if d.logger != nil {
			d.logger.Warnf("device %d: non-task envelope failed: %v", d.index, err)
		}
		return
	}
	d.takeLatency(te)
	if d.logger != nil {
		d.logger.Warnf("device %d: task failed: %v", d.index, err)
	}
	te.done <- taskResult{err: err}
}

func (d *Device) takeLatency(te *TaskEnvelope) uint64 {
	d.mu.Lock()
	start, ok := d.taskStart[te]
	delete(d.taskStart, te)
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return uint64(time.Since(start).Nanoseconds())
}

// IncrementExecuted implements progress.Device (no-op hook: execution
// counts are tracked via Complete/ObserveTaskCompleted instead; kept
// to satisfy the interface the progress loop drives).
func (d *Device) IncrementExecuted() {}

// ReleaseLoad implements progress.Device, undoing the provisional load
// bump Select made when this device was chosen non-locally.
func (d *Device) ReleaseLoad() {
	d.load.Add(-d.sweight)
	if d.observer != nil {
		d.observer.ObserveLoad(d.index, d.load.Get())
	}
}

// Reserve implements progress.Device, wrapping component 4.G for one
// task's flows and translating the package's reschedule sentinel into
// the public first-class signal. Called only by the worker holding
// this device's lease, so it needs no locking of its own around
// freeLRU/zone/registry.
func (d *Device) Reserve(flows []*stage.Flow) error {
	if err := evict.Reserve(d.registry, d.zone, d.index, d.freeLRU, flows); err != nil {
		if d.observer != nil {
			d.observer.ObserveReschedule(d.index)
		}
		return NewReschedule(NewDeviceError("Reserve", d.index, KindOutOfResource, "no victim available"))
	}
	return nil
}

func (d *Device) markTaskStart(te *TaskEnvelope) {
	d.mu.Lock()
	d.taskStart[te] = time.Now()
	d.mu.Unlock()
}

// Disable marks the device ineligible for future selection after a
// DeviceFault (§7). Already-queued pending envelopes are the
// scheduler's responsibility to re-route.
func (d *Device) Disable() {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
}

// Enabled reports whether the device currently accepts new tasks.
func (d *Device) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// CPUAffinity implements progress.Device.
func (d *Device) CPUAffinity() int { return d.cpuAffinity }

// SetCPUAffinity pins this device's lease worker to the given OS CPU
// index for every future progress-loop run. Pass -1 to unpin.
func (d *Device) SetCPUAffinity(cpu int) { d.cpuAffinity = cpu }

// CanPeer reports whether this device can DMA directly to device j, per
// the peer-access mask Scheduler.RegisterDevice probed at registration.
func (d *Device) CanPeer(j int) bool {
	if j < 0 || j >= 64 {
		return false
	}
	return d.peerMask&(1<<uint(j)) != 0
}

func (d *Device) setPeer(j int) {
	d.peerMask |= 1 << uint(j)
}

// SWeight returns the device's static single-precision weight, derived
// at bringUp time from its reported compute capability.
func (d *Device) SWeight() float64 { return d.sweight }

// capability returns the §6 two-digit compute-capability encoding
// (major*10+minor) task-kernel resolution steps down from.
func (d *Device) capability() int { return d.props.Major*10 + d.props.Minor }

// Load returns the device's live provisional load accumulator, read by
// the selector when scoring candidates.
func (d *Device) Load() *selector.Load { return d.load }

func (d *Device) String() string {
	return fmt.Sprintf("device[%d]=%s", d.index, d.props.Name)
}

var _ progress.Device = (*Device)(nil)
