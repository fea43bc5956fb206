// Package evict implements eviction and space reservation (component
// 4.G): finding device slots for a task's inputs, evicting victims
// from the free LRU when the pool is full, and rescheduling the task
// when no victim is eligible. Grounded on dev_cuda.c's
// dague_gpu_data_reserve_device_space control flow from
// original_source, since the distilled spec names the algorithm but
// the teacher has no analogous component (ublk never evicts cache
// content, only overwrites fixed LBA ranges).
package evict

import (
	"errors"

	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/lru"
	"github.com/delgado-oss/gpuflow/internal/stage"
	"github.com/delgado-oss/gpuflow/internal/zone"
)

// ErrReschedule is returned when no device slot could be found or
// freed for every requested flow; the caller must re-queue the task
// envelope and try again later (§7 Reschedule).
var ErrReschedule = errors.New("evict: no device space available, reschedule")

type commitment struct {
	flow *stage.Flow
}

// Reserve implements reserve_device_space for every non-CTL flow in
// flows, in order, setting flow.Device on success. On failure it undoes
// every allocation made earlier in this same call (unlinking the
// replica from freeLRU, detaching it and returning its block to z)
// before returning ErrReschedule,
// so a retried call starts from a clean slate.
func Reserve(registry *datareg.Registry, z *zone.Zone, deviceIndex int, freeLRU *lru.List, flows []*stage.Flow) error {
	taskData := make(map[*datareg.Datum]bool, len(flows))
	for _, f := range flows {
		if !f.Mode.HasCtl() {
			taskData[f.Datum] = true
		}
	}

	var commitments []commitment

	for _, f := range flows {
		if f.Mode.HasCtl() {
			continue
		}

		if existing := registry.GetCopy(f.Datum, deviceIndex); existing != nil {
			f.Device = existing
			continue
		}

		if ptr, ok := z.Alloc(f.Datum.ByteSize); ok {
			rep := datareg.NewReplica(deviceIndex, ptr)
			registry.Attach(f.Datum, rep, deviceIndex)
			rep.Coherency = datareg.Invalid
			rep.Version = 0
			freeLRU.PushFIFO(&rep.Node)
			f.Device = rep
			commitments = append(commitments, commitment{flow: f})
			continue
		}

		victim := findVictim(freeLRU, f.Datum, taskData)
		if victim == nil {
			undo(registry, z, deviceIndex, freeLRU, commitments)
			return ErrReschedule
		}

		oldDatum := victim.Datum
		registry.Detach(oldDatum, deviceIndex)
		_ = z.Free(victim.Ptr, oldDatum.ByteSize)

		ptr, ok := z.Alloc(f.Datum.ByteSize)
		if !ok {
			undo(registry, z, deviceIndex, freeLRU, commitments)
			return ErrReschedule
		}
		rep := datareg.NewReplica(deviceIndex, ptr)
		registry.Attach(f.Datum, rep, deviceIndex)
		rep.Coherency = datareg.Invalid
		rep.Version = 0
		freeLRU.PushFIFO(&rep.Node)
		f.Device = rep
		commitments = append(commitments, commitment{flow: f})
	}

	return nil
}

// findVictim pops candidates from freeLRU's head until one satisfies
// all of §4.G.3's conditions. Every candidate it skips (one with
// readers, or one holding the master or another of the task's data) is
// put back at the head, in its original order, once the scan ends.
// Returns nil if freeLRU is exhausted.
func findVictim(freeLRU *lru.List, master *datareg.Datum, taskData map[*datareg.Datum]bool) *datareg.Replica {
	var skipped []*lru.Node
	defer func() {
		for i := len(skipped) - 1; i >= 0; i-- {
			freeLRU.PushLIFO(skipped[i])
		}
	}()

	for {
		node := freeLRU.PopFIFO()
		if node == nil {
			return nil
		}
		victim := node.Owner.(*datareg.Replica)

		// Invariant 4 (§3) guarantees readers==0 for anything in
		// freeLRU; this check only guards against the race the
		// original defends against (design note 9.b). Since the
		// node is already unlinked, buffer it for restoration
		// rather than pushing it straight back to the head, which
		// would just hand it to the next PopFIFO and loop forever.
		if victim.Readers > 0 {
			skipped = append(skipped, node)
			continue
		}
		if victim.Datum == master || taskData[victim.Datum] {
			skipped = append(skipped, node)
			continue
		}
		return victim
	}
}

func undo(registry *datareg.Registry, z *zone.Zone, deviceIndex int, freeLRU *lru.List, commitments []commitment) {
	for i := len(commitments) - 1; i >= 0; i-- {
		f := commitments[i].flow
		freeLRU.Chop(&f.Device.Node)
		_ = z.Free(f.Device.Ptr, f.Datum.ByteSize)
		registry.Detach(f.Datum, deviceIndex)
		f.Device = nil
	}
}
