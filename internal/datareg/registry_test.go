package datareg

import "testing"

func TestNewDatumHasHostReplica(t *testing.T) {
	d := NewDatum("matrix-a", 4096, 0xdead)
	host := d.Replicas()
	if len(host) != 1 {
		t.Fatalf("Replicas() = %d entries, want 1", len(host))
	}
	if host[0].Device != HostDevice || host[0].Coherency != Shared {
		t.Errorf("host replica = %+v, want Device=%d Coherency=Shared", host[0], HostDevice)
	}
	if d.Owner() != -1 {
		t.Errorf("Owner() = %d, want -1 before any write", d.Owner())
	}
}

func TestAttachAndGetCopy(t *testing.T) {
	r := NewRegistry()
	d := NewDatum("x", 64, 1)
	r.Register(d)

	rep := NewReplica(2, 0x1000)
	r.Attach(d, rep, 2)

	got := r.GetCopy(d, 2)
	if got != rep {
		t.Errorf("GetCopy(2) = %v, want the attached replica", got)
	}
	if got.Datum != d {
		t.Error("Attach did not back-link replica.Datum")
	}
}

func TestDetachRemovesReplica(t *testing.T) {
	r := NewRegistry()
	d := NewDatum("x", 64, 1)
	r.Attach(d, NewReplica(2, 0x2000), 2)

	r.Detach(d, 2)

	if got := r.GetCopy(d, 2); got != nil {
		t.Errorf("GetCopy(2) after Detach = %v, want nil", got)
	}
}

func TestTransferOwnershipToCopyAlreadyValid(t *testing.T) {
	r := NewRegistry()
	d := NewDatum("x", 64, 1)
	dev := NewReplica(2, 0x3000)
	dev.Coherency = Shared
	dev.Version = d.Version
	r.Attach(d, dev, 2)

	src := r.TransferOwnershipToCopy(d, 2, Read)
	if src != -1 {
		t.Errorf("TransferOwnershipToCopy() = %d, want -1 (already valid)", src)
	}
}

func TestTransferOwnershipToCopyNeedsTransfer(t *testing.T) {
	r := NewRegistry()
	d := NewDatum("x", 64, 1)
	dev := NewReplica(2, 0x3000)
	dev.Coherency = Invalid
	r.Attach(d, dev, 2)

	src := r.TransferOwnershipToCopy(d, 2, Read)
	if src != HostDevice {
		t.Errorf("TransferOwnershipToCopy() = %d, want HostDevice", src)
	}
}

func TestTransferOwnershipToCopyWriteInvalidatesOthers(t *testing.T) {
	r := NewRegistry()
	d := NewDatum("x", 64, 1)
	host := r.GetCopy(d, HostDevice)
	devA := NewReplica(2, 0x1000)
	devA.Coherency = Shared
	r.Attach(d, devA, 2)

	r.TransferOwnershipToCopy(d, 2, Write)

	if devA.Coherency != Owned {
		t.Errorf("writer's replica Coherency = %v, want Owned", devA.Coherency)
	}
	if host.Coherency != Invalid {
		t.Errorf("host replica Coherency after a device write = %v, want Invalid", host.Coherency)
	}
	if d.Owner() != 2 {
		t.Errorf("Owner() = %d, want 2", d.Owner())
	}
}

func TestBumpVersionIsMonotonic(t *testing.T) {
	d := NewDatum("x", 64, 1)
	if got := d.BumpVersion(); got != 1 {
		t.Errorf("BumpVersion() = %d, want 1", got)
	}
	if got := d.BumpVersion(); got != 2 {
		t.Errorf("BumpVersion() = %d, want 2", got)
	}
}

func TestRegistryLookupAndUnregister(t *testing.T) {
	r := NewRegistry()
	d := NewDatum("x", 64, 1)
	r.Register(d)

	if r.Lookup("x") != d {
		t.Fatal("Lookup(x) did not return the registered datum")
	}
	r.Unregister("x")
	if r.Lookup("x") != nil {
		t.Error("Lookup(x) after Unregister should be nil")
	}
}
