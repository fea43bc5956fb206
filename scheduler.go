package gpuflow

import (
	"sync"

	"github.com/delgado-oss/gpuflow/internal/config"
	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/interfaces"
	"github.com/delgado-oss/gpuflow/internal/logging"
	"github.com/delgado-oss/gpuflow/internal/lru"
	"github.com/delgado-oss/gpuflow/internal/progress"
	"github.com/delgado-oss/gpuflow/internal/selector"
	"github.com/delgado-oss/gpuflow/internal/stage"
)

// Scheduler is the public entry point: it owns the data registry, the
// set of registered devices, task-kernel resolution, and the §4.H/4.I
// submit path tying them together.
type Scheduler struct {
	cfg      config.Config
	driver   interfaces.Driver
	logger   interfaces.Logger
	observer interfaces.Observer
	registry *datareg.Registry
	resolver *TaskResolver

	mu      sync.RWMutex
	devices map[int]*Device
}

// NewScheduler wires a downstream driver and optional metrics sink into
// a ready-to-register scheduler. cfg.Verbose selects the logger level
// (§6, -1 falling back to debug per internal/logging.FromVerbose).
// observer may be nil (NoOpObserver semantics: every hook is skipped).
func NewScheduler(cfg config.Config, driver interfaces.Driver, observer interfaces.Observer) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		driver:   driver,
		logger:   logging.NewLogger(logging.FromVerbose(cfg.Verbose)),
		observer: observer,
		registry: datareg.NewRegistry(),
		resolver: NewTaskResolver(driver),
		devices:  make(map[int]*Device),
	}
}

// RegisterDevice brings up device index (§4.E, §6 "enumerate devices"):
// queries its properties, reserves and pools its memory, opens its
// stream pipeline, derives its selector weights (supplemented features
// 1-2), and probes peer access against every already-registered device
// (supplemented feature 3). An index disabled by cfg.Mask is a
// KindInvalidParameters error (cfg.Enabled is not consulted) rather than a silent no-op, since a
// caller explicitly asking to register an excluded device is a mistake
// worth surfacing.
func (s *Scheduler) RegisterDevice(index int) (*Device, error) {
	if index < 0 || !s.cfg.DeviceEnabled(index) {
		return nil, NewDeviceError("RegisterDevice", index, KindInvalidParameters, "device index not enabled by configuration mask")
	}

	if err := s.driver.SetActiveDevice(index); err != nil {
		return nil, NewDeviceError("RegisterDevice", index, KindDeviceFault, "SetActiveDevice failed")
	}

	props, err := s.driver.DeviceProperties(index)
	if err != nil {
		return nil, NewDeviceError("RegisterDevice", index, KindDeviceFault, "DeviceProperties failed")
	}

	dev := newDevice(index, s.driver, s.registry, props, s.logger, s.observer)
	if err := dev.bringUp(s.cfg); err != nil {
		return nil, WrapError("RegisterDevice", err)
	}

	s.mu.Lock()
	for j, other := range s.devices {
		s.probePeer(dev, j, other)
		s.probePeer(other, index, dev)
	}
	s.devices[index] = dev
	s.mu.Unlock()

	return dev, nil
}

// probePeer asks the driver whether from can address to's memory
// directly and, if so, opens it and records the mask bit. Failure to
// enable an advertised pair is logged and otherwise ignored: peer
// access is purely an optimization hook the core never depends on for
// correctness (spec.md §4.B: D2D is allowed but not required).
func (s *Scheduler) probePeer(from *Device, to int, toDev *Device) {
	if from == nil || toDev == nil || from.Index() == to {
		return
	}
	ok, err := s.driver.CanAccessPeer(from.Index(), to)
	if err != nil || !ok {
		return
	}
	if err := s.driver.EnablePeerAccess(from.Index(), to); err != nil {
		s.logger.Warnf("device %d: peer access to %d advertised but failed to enable: %v", from.Index(), to, err)
		return
	}
	from.setPeer(to)
}

// Device returns the registered device at index, or nil.
func (s *Scheduler) Device(index int) *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[index]
}

// DisableDevice implements supplemented feature 8: a device fault
// permanently removes the device from selection and reclaims every
// replica and queued envelope it was holding, failing each queued
// envelope back upstream with a DeviceFault error, matching §7's
// "upstream engine re-routes pending envelopes for that device."
func (s *Scheduler) DisableDevice(index int) {
	s.mu.Lock()
	dev, ok := s.devices[index]
	s.mu.Unlock()
	if !ok {
		return
	}
	dev.Disable()

	reclaimErr := NewDeviceError("DisableDevice", index, KindDeviceFault, "device disabled after fault")

	for _, victim := range s.reclaimLRU(dev.FreeLRU()) {
		s.registry.Detach(victim.Datum, index)
	}
	for _, victim := range s.reclaimLRU(dev.OwnedLRU()) {
		s.registry.Detach(victim.Datum, index)
	}

	for _, st := range dev.Streams() {
		for {
			task := st.Pending().PopFront()
			if task == nil {
				break
			}
			if env, ok := task.(progress.Envelope); ok {
				dev.Fail(env, reclaimErr)
			}
		}
	}
	for {
		task := dev.Pending().PopFront()
		if task == nil {
			break
		}
		if env, ok := task.(progress.Envelope); ok {
			dev.Fail(env, reclaimErr)
		}
	}
}

func (s *Scheduler) reclaimLRU(l *lru.List) []*datareg.Replica {
	var out []*datareg.Replica
	for {
		n := l.PopFIFO()
		if n == nil {
			break
		}
		out = append(out, n.Owner.(*datareg.Replica))
	}
	return out
}

// RegisterHostData tracks a host-resident datum (§6 data model), pinning
// its backing memory through the driver at most once per key: a key
// already in the registry is returned as is, so repeated registration
// of the same descriptor is a no-op. HostRegistered (supplemented
// feature 7) records the pin for UnregisterHostData.
func (s *Scheduler) RegisterHostData(key string, byteSize uint64, hostPtr uintptr) (*datareg.Datum, error) {
	if existing := s.registry.Lookup(key); existing != nil {
		return existing, nil
	}

	datum := datareg.NewDatum(key, byteSize, hostPtr)
	if err := s.driver.RegisterHostMemory(interfaces.HostPtr(hostPtr), byteSize); err != nil {
		return nil, NewDatumError("RegisterHostData", key, KindInvalidParameters, "driver rejected host memory registration")
	}
	datum.HostRegistered = true
	s.registry.Register(datum)
	return datum, nil
}

// UnregisterHostData releases a previously registered datum's host
// pinning and drops it from the registry. A no-op for an unknown key.
func (s *Scheduler) UnregisterHostData(key string) error {
	datum := s.registry.Lookup(key)
	if datum == nil {
		return nil
	}
	host := s.registry.GetCopy(datum, datareg.HostDevice)
	if datum.HostRegistered && host != nil {
		if err := s.driver.UnregisterHostMemory(interfaces.HostPtr(host.Ptr)); err != nil {
			return NewDatumError("UnregisterHostData", key, KindInvalidParameters, "driver rejected host memory unregistration")
		}
	}
	s.registry.Unregister(key)
	return nil
}

// Submit implements §6's submit entry point end to end: select a device
// (§4.H), resolve the task's kernel for that device (§6 task-kernel
// resolution), and drive the per-device progress loop (§4.I) to
// completion. Space reservation for the task's flows (§4.G) happens
// inside that loop, under the device's lease, so a Reschedule outcome
// surfaces through the task's own result channel rather than here;
// Submit retries by reselecting a device when it sees one. It blocks
// until the task's envelope has been completed or failed, returning
// that outcome.
func (s *Scheduler) Submit(spec TaskSpec) error {
	ratio := spec.Ratio
	if ratio == 0 {
		ratio = 1.0
	}

	for {
		dev, err := s.selectDevice(spec, ratio)
		if err != nil {
			return WrapError("Submit", err)
		}

		flows := buildFlows(spec.Flows)

		capability := dev.capability()
		fn, ok := s.resolver.Resolve(dev.Index(), capability, spec.KernelName)
		if !ok {
			dev.ReleaseLoad()
			return NewDeviceError("Submit", dev.Index(), KindNotFound, "kernel "+spec.KernelName+" not resolved for device")
		}

		env := newTaskEnvelope(spec, flows, fn, s.driver)
		dev.markTaskStart(env)

		result, err := progress.Run(dev, env)
		if err != nil {
			s.DisableDevice(dev.Index())
			return WrapError("Submit", err)
		}
		if result == progress.ResultDisable {
			s.DisableDevice(dev.Index())
		}

		res := <-env.done
		if IsReschedule(res.err) {
			continue
		}
		return res.err
	}
}

// selectDevice implements §4.H: locality first, otherwise argmin load +
// ratio*sweight over enabled candidates.
func (s *Scheduler) selectDevice(spec TaskSpec, ratio float64) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.devices) == 0 {
		return nil, NewError("Select", KindDeviceFault, "no devices registered")
	}

	owner := -1
	for _, fd := range spec.Flows {
		if fd.Mode.HasWrite() && fd.Datum.Owner() >= 2 {
			owner = fd.Datum.Owner()
			break
		}
	}

	candidates := make([]selector.Candidate, 0, len(s.devices))
	for idx, dev := range s.devices {
		candidates = append(candidates, selector.Candidate{
			Index:   idx,
			Enabled: dev.Enabled(),
			SWeight: dev.SWeight(),
			Load:    dev.Load(),
		})
	}

	idx, err := selector.Select(owner, candidates, ratio)
	if err != nil {
		return nil, NewError("Select", KindDeviceFault, "no eligible device")
	}
	return s.devices[idx], nil
}

// buildFlows converts the caller-facing descriptors into the stage
// package's view; Device is left nil for evict.Reserve to populate.
func buildFlows(descs []FlowDescriptor) []*stage.Flow {
	flows := make([]*stage.Flow, len(descs))
	for i, fd := range descs {
		flows[i] = &stage.Flow{Mode: fd.Mode, Datum: fd.Datum}
	}
	return flows
}
