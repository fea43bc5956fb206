package progress

import (
	"testing"

	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/lru"
)

func pushOwned(l *lru.List, registry *datareg.Registry, key string, deviceIndex int, readers int32, hostReaders int32) *datareg.Replica {
	d := datareg.NewDatum(key, 64, uintptr(len(key)+1))
	registry.Register(d)
	host := registry.GetCopy(d, datareg.HostDevice)
	host.Readers = hostReaders

	rep := datareg.NewReplica(deviceIndex, 0x1000)
	rep.Readers = readers
	registry.Attach(d, rep, deviceIndex)
	l.PushFIFO(&rep.Node)
	return rep
}

func TestScanDrainVictimsSkipsActiveReaders(t *testing.T) {
	registry := datareg.NewRegistry()
	owned := lru.New()
	busy := pushOwned(owned, registry, "busy", 2, 1, 0)
	free := pushOwned(owned, registry, "free", 2, 0, 0)

	flows := ScanDrainVictims(registry, owned)

	if len(flows) != 1 {
		t.Fatalf("len(flows) = %d, want 1", len(flows))
	}
	if flows[0].Device != free {
		t.Error("ScanDrainVictims picked the busy replica instead of the free one")
	}
	if busy.Readers != 1 {
		t.Error("busy replica's Readers must be untouched")
	}
	if free.Readers != 1 {
		t.Error("selected victim's Readers should be pinned to 1")
	}
	if !flows[0].Pushout || !flows[0].IsDrain {
		t.Error("drain flow must be Pushout and IsDrain")
	}
}

func TestScanDrainVictimsSkipsReplicaWithBusyHost(t *testing.T) {
	registry := datareg.NewRegistry()
	owned := lru.New()
	pushOwned(owned, registry, "host-busy", 2, 0, 1)

	flows := ScanDrainVictims(registry, owned)
	if len(flows) != 0 {
		t.Errorf("len(flows) = %d, want 0 (host replica still has a reader)", len(flows))
	}
}

func TestScanDrainVictimsBoundedByMaxDrainReplicas(t *testing.T) {
	registry := datareg.NewRegistry()
	owned := lru.New()
	for i := 0; i < MaxDrainReplicas+3; i++ {
		pushOwned(owned, registry, string(rune('a'+i)), 2, 0, 0)
	}

	flows := ScanDrainVictims(registry, owned)
	if len(flows) != MaxDrainReplicas {
		t.Errorf("len(flows) = %d, want %d", len(flows), MaxDrainReplicas)
	}
	if owned.Len() != 3 {
		t.Errorf("owned.Len() after scan = %d, want 3 remaining", owned.Len())
	}
}

func TestScanDrainVictimsRemovesChosenFromOwnedLRU(t *testing.T) {
	registry := datareg.NewRegistry()
	owned := lru.New()
	rep := pushOwned(owned, registry, "solo", 2, 0, 0)

	ScanDrainVictims(registry, owned)

	if owned.Contains(&rep.Node) {
		t.Error("selected victim must be chopped from ownedLRU")
	}
}
