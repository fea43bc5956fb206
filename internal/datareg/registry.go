// Package datareg implements the data-copy registry (component 4.B):
// per-datum replica tracking and the cache-coherence decision point
// transfer_ownership_to_copy. It is the shared state multiple devices'
// progress loops read and mutate concurrently, so unlike the rest of a
// device's internal state (which is single-writer under that device's
// lease) a Registry guards each datum with its own mutex.
package datareg

import (
	"sync"

	"github.com/delgado-oss/gpuflow/internal/lru"
)

// CoherencyState is a replica's coherence state (data model §3).
type CoherencyState int

const (
	Invalid CoherencyState = iota
	Shared
	Owned
)

func (s CoherencyState) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case Shared:
		return "SHARED"
	case Owned:
		return "OWNED"
	default:
		return "UNKNOWN"
	}
}

// TransferStatus tracks an in-flight stage-in copy (data model §3).
type TransferStatus int

const (
	NotTransferred TransferStatus = iota
	UnderTransfer
	Complete
)

// AccessMode is the per-flow access bitfield from the upstream engine (§6).
type AccessMode uint8

const (
	Read AccessMode = 1 << iota
	Write
	Ctl
)

func (m AccessMode) HasWrite() bool { return m&Write != 0 }
func (m AccessMode) HasRead() bool  { return m&Read != 0 }
func (m AccessMode) HasCtl() bool   { return m&Ctl != 0 }

// HostDevice is the reserved device index naming the host replica slot.
const HostDevice = 0

// Replica is one materialization of a Datum, on the host (device index
// HostDevice) or on a device. It embeds lru.Node so a *Replica can be a
// direct member of a device's free or owned LRU (invariant 1).
type Replica struct {
	lru.Node

	Datum      *Datum
	Device     int
	Ptr        uintptr
	Version    uint64
	Coherency  CoherencyState
	Transfer   TransferStatus
	Readers    int32
	PushTask   interface{} // *gpuflow.TaskEnvelope performing a pending stage-in, or nil
}

// NewReplica allocates a replica and wires its embedded lru.Node back
// to itself, so list traversal can recover the replica from a *Node.
func NewReplica(device int, ptr uintptr) *Replica {
	rep := &Replica{Device: device, Ptr: ptr}
	rep.Node.Owner = rep
	return rep
}

// Datum is a logical unit of application data tracked across replicas
// (data model §3). Replicas is indexed by device; index HostDevice is
// always present once registered.
type Datum struct {
	mu sync.Mutex

	Key          string
	ByteSize     uint64
	Version      uint64
	OwnerDevice  int // device that last took write ownership; -1 if none ever has
	Descriptor   interface{}
	HostRegistered bool // supplemented feature: memory_registration_status

	replicas map[int]*Replica
}

// NewDatum creates a tracked datum with a host replica already attached
// at Ptr, matching spec.md's implicit assumption that device_copies[0]
// always exists.
func NewDatum(key string, byteSize uint64, hostPtr uintptr) *Datum {
	d := &Datum{
		Key:         key,
		ByteSize:    byteSize,
		OwnerDevice: -1,
		replicas:    make(map[int]*Replica),
	}
	host := NewReplica(HostDevice, hostPtr)
	host.Datum = d
	host.Coherency = Shared
	host.Transfer = Complete
	d.replicas[HostDevice] = host
	return d
}

// Registry is the process-scoped table of tracked data, passed
// explicitly into the scheduler per the "global mutable state" design
// note.
type Registry struct {
	mu   sync.RWMutex
	data map[string]*Datum
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{data: make(map[string]*Datum)}
}

// Register adds d, replacing any previous datum with the same key.
func (r *Registry) Register(d *Datum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[d.Key] = d
}

// Unregister removes a tracked datum by key.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
}

// Lookup returns the tracked datum for key, or nil.
func (r *Registry) Lookup(key string) *Datum {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data[key]
}

// GetCopy returns the replica of d on device, or nil (§4.B get_copy).
func (r *Registry) GetCopy(d *Datum, device int) *Replica {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replicas[device]
}

// Attach records a new replica of d on device (§4.B attach). It is an
// error to attach over an existing replica slot; callers detach first.
func (r *Registry) Attach(d *Datum, rep *Replica, device int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rep.Datum = d
	rep.Device = device
	d.replicas[device] = rep
}

// Detach removes the replica tracked for d on device (§4.B detach).
func (r *Registry) Detach(d *Datum, device int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.replicas, device)
}

// TransferOwnershipToCopy is the coherence decision point (§4.B). It
// returns the device index to copy from (HostDevice in this core; D2D
// is allowed but never chosen here), or -1 meaning the target replica
// is already at d.Version and no transfer is needed. When mode
// includes WRITE it atomically updates d.OwnerDevice, marks the target
// OWNED and every other replica INVALID. The other replicas' versions
// are left unchanged, so on return they can still equal the target's.
func (r *Registry) TransferOwnershipToCopy(d *Datum, device int, mode AccessMode) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	target := d.replicas[device]
	if target != nil && target.Version == d.Version && target.Coherency != Invalid {
		if mode.HasWrite() {
			r.markOwnerLocked(d, device, target)
		}
		return -1
	}

	if mode.HasWrite() {
		if target == nil {
			target = NewReplica(device, 0)
			target.Datum = d
			d.replicas[device] = target
		}
		r.markOwnerLocked(d, device, target)
	}
	return HostDevice
}

// markOwnerLocked invalidates every other replica of d and marks
// target as the sole OWNED, current replica. Caller holds d.mu.
func (r *Registry) markOwnerLocked(d *Datum, device int, target *Replica) {
	for idx, rep := range d.replicas {
		if idx == device {
			continue
		}
		rep.Coherency = Invalid
	}
	target.Coherency = Owned
	target.Version = d.Version
	d.OwnerDevice = device
}

// Owner returns the device that last took write ownership of d, or -1
// if none ever has, under d's own lock (§4.H reads this from outside the
// owning device's lease). It is not reset when that replica later drops
// to SHARED.
func (d *Datum) Owner() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.OwnerDevice
}

// BumpVersion increments d's version and returns the new value, called
// once a write's stage-out has completed and the new bytes are durable
// on at least one replica (invariant 8: D.version is the max replica
// version).
func (d *Datum) BumpVersion() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Version++
	return d.Version
}

// Replicas returns a snapshot slice of every currently tracked replica
// of d, for invariant checks and drain scans.
func (d *Datum) Replicas() []*Replica {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Replica, 0, len(d.replicas))
	for _, rep := range d.replicas {
		out = append(out, rep)
	}
	return out
}
