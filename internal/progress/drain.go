package progress

import (
	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/lru"
	"github.com/delgado-oss/gpuflow/internal/stage"
)

// MaxDrainReplicas bounds how many owned replicas one synthesized
// drain task moves out per call, the original's
// DAGUE_GPU_W2R_NB_MOVE_OUT (SPEC_FULL supplemented feature 6).
const MaxDrainReplicas = 6

// ScanDrainVictims implements §4.J's victim scan: walk ownedLRU for up
// to MaxDrainReplicas replicas with Readers == 0 whose host replica
// also has Readers == 0, pin each by incrementing Readers, and return
// one WRITE+pushout flow per victim ready to be wrapped in a synthetic
// D2H_DRAIN envelope. Returns nil if no eligible victim is found.
func ScanDrainVictims(registry *datareg.Registry, ownedLRU *lru.List) []*stage.Flow {
	var flows []*stage.Flow
	var node *lru.Node

	for node = ownedLRU.Front(); node != nil && len(flows) < MaxDrainReplicas; {
		rep := node.Owner.(*datareg.Replica)
		next := nextOwned(ownedLRU, node)

		host := registry.GetCopy(rep.Datum, datareg.HostDevice)
		if rep.Readers == 0 && (host == nil || host.Readers == 0) {
			ownedLRU.Chop(node)
			rep.Readers++
			flows = append(flows, &stage.Flow{
				Mode:    datareg.Write,
				Datum:   rep.Datum,
				Device:  rep,
				Pushout: true,
				IsDrain: true,
			})
		}
		node = next
	}

	return flows
}

// nextOwned returns the node after n in l without assuming n is still
// linked once the caller may chop it mid-walk.
func nextOwned(l *lru.List, n *lru.Node) *lru.Node {
	var found *lru.Node
	seenCurrent := false
	l.Each(func(cand *lru.Node) {
		if found != nil {
			return
		}
		if seenCurrent {
			found = cand
			return
		}
		if cand == n {
			seenCurrent = true
		}
	})
	return found
}
