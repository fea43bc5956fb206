package stage

import (
	"errors"
	"testing"

	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/interfaces"
	"github.com/delgado-oss/gpuflow/internal/lru"
)

type stubDriver struct {
	interfaces.Driver
	copyInErr  error
	copyInCall int
}

func (s *stubDriver) CopyHostToDeviceAsync(dst interfaces.DevicePtr, src interfaces.HostPtr, size uint64, st interfaces.StreamHandle) error {
	s.copyInCall++
	return s.copyInErr
}

func (s *stubDriver) CopyDeviceToHostAsync(dst interfaces.HostPtr, src interfaces.DevicePtr, size uint64, st interfaces.StreamHandle) error {
	return nil
}

func newFlow(registry *datareg.Registry, mode datareg.AccessMode, deviceIndex int) (*Flow, *datareg.Datum) {
	d := datareg.NewDatum("matrix-a", 64, 0xbeef)
	registry.Register(d)
	rep := datareg.NewReplica(deviceIndex, 0x1000)
	rep.Coherency = datareg.Invalid
	registry.Attach(d, rep, deviceIndex)
	return &Flow{Mode: mode, Datum: d, Device: rep}, d
}

func TestStageInIssuesCopyForInvalidReplica(t *testing.T) {
	registry := datareg.NewRegistry()
	f, _ := newFlow(registry, datareg.Read, 2)
	driver := &stubDriver{}

	if err := StageIn(registry, driver, 2, f, "env", 1, lru.New(), lru.New()); err != nil {
		t.Fatalf("StageIn() = %v", err)
	}
	if driver.copyInCall != 1 {
		t.Errorf("driver.copyInCall = %d, want 1", driver.copyInCall)
	}
	if f.Device.Transfer != datareg.UnderTransfer {
		t.Errorf("Device.Transfer = %v, want UnderTransfer", f.Device.Transfer)
	}
}

func TestStageInSkipsAlreadyValidReplica(t *testing.T) {
	registry := datareg.NewRegistry()
	f, d := newFlow(registry, datareg.Read, 2)
	f.Device.Coherency = datareg.Shared
	f.Device.Version = d.Version
	driver := &stubDriver{}

	err := StageIn(registry, driver, 2, f, "env", 1, lru.New(), lru.New())
	if !errors.Is(err, ErrAlreadyValid) {
		t.Fatalf("StageIn() = %v, want ErrAlreadyValid", err)
	}
	if driver.copyInCall != 0 {
		t.Errorf("driver.copyInCall = %d, want 0 (no transfer needed)", driver.copyInCall)
	}
}

func TestStageInWriteAntiDependency(t *testing.T) {
	registry := datareg.NewRegistry()
	f, _ := newFlow(registry, datareg.Write, 2)
	f.Device.Readers = 1
	driver := &stubDriver{}

	err := StageIn(registry, driver, 2, f, "env", 1, lru.New(), lru.New())
	if !errors.Is(err, ErrAntiDependency) {
		t.Fatalf("StageIn() = %v, want ErrAntiDependency", err)
	}
}

func TestStageInUnpinsWriteTargetFromLRU(t *testing.T) {
	registry := datareg.NewRegistry()
	f, _ := newFlow(registry, datareg.Write, 2)
	freeLRU := lru.New()
	freeLRU.PushFIFO(&f.Device.Node)
	driver := &stubDriver{}

	if err := StageIn(registry, driver, 2, f, "env", 1, freeLRU, lru.New()); err != nil {
		t.Fatalf("StageIn() = %v", err)
	}
	if freeLRU.Contains(&f.Device.Node) {
		t.Error("write target still linked into freeLRU after StageIn")
	}
}

func TestCompleteStageInTransitionsOnMatchingEnv(t *testing.T) {
	registry := datareg.NewRegistry()
	f, _ := newFlow(registry, datareg.Read, 2)
	f.Device.Transfer = datareg.UnderTransfer
	f.Device.PushTask = "env-a"

	if err := CompleteStageIn(f, "env-a"); err != nil {
		t.Fatalf("CompleteStageIn() = %v", err)
	}
	if f.Device.Transfer != datareg.Complete {
		t.Errorf("Transfer = %v, want Complete", f.Device.Transfer)
	}
	if f.Device.PushTask != nil {
		t.Error("PushTask should be cleared after completion")
	}
}

func TestCompleteStageInIgnoresForeignEnv(t *testing.T) {
	registry := datareg.NewRegistry()
	f, _ := newFlow(registry, datareg.Read, 2)
	f.Device.Transfer = datareg.UnderTransfer
	f.Device.PushTask = "env-a"

	if err := CompleteStageIn(f, "env-b"); err != nil {
		t.Fatalf("CompleteStageIn() = %v", err)
	}
	if f.Device.Transfer != datareg.UnderTransfer {
		t.Error("foreign envelope completion must not touch an unrelated flow")
	}
}

func TestStageOutPushoutCopiesAndAccumulatesBytes(t *testing.T) {
	registry := datareg.NewRegistry()
	f, d := newFlow(registry, datareg.Write, 2)
	f.Pushout = true
	host := registry.GetCopy(d, datareg.HostDevice)
	driver := &stubDriver{}

	required, transferred, err := StageOut(driver, f, 1, host, lru.New())
	if err != nil {
		t.Fatalf("StageOut() = %v", err)
	}
	if required != d.ByteSize || transferred != d.ByteSize {
		t.Errorf("StageOut() = (%d, %d), want (%d, %d)", required, transferred, d.ByteSize, d.ByteSize)
	}
}

func TestStageOutNonPushoutSkipsCopy(t *testing.T) {
	registry := datareg.NewRegistry()
	f, d := newFlow(registry, datareg.Write, 2)
	host := registry.GetCopy(d, datareg.HostDevice)
	driver := &stubDriver{}

	required, transferred, err := StageOut(driver, f, 1, host, lru.New())
	if err != nil {
		t.Fatalf("StageOut() = %v", err)
	}
	if transferred != 0 {
		t.Errorf("transferred = %d, want 0 (kept OWNED, no write-back)", transferred)
	}
	if required != d.ByteSize {
		t.Errorf("required = %d, want %d", required, d.ByteSize)
	}
}

// TestStageOutReadFlowAlreadyLinkedInFreeLRU covers an ordinary READ
// flow, whose Readers is never incremented by StageIn, running all the
// way from StageIn through StageOut while its replica is already
// linked in freeLRU (the common case: a replica just sitting free from
// an earlier task). StageOut must not double-link it.
func TestStageOutReadFlowAlreadyLinkedInFreeLRU(t *testing.T) {
	registry := datareg.NewRegistry()
	f, d := newFlow(registry, datareg.Read, 2)
	f.Device.Coherency = datareg.Shared
	f.Device.Version = d.Version
	host := registry.GetCopy(d, datareg.HostDevice)

	freeLRU := lru.New()
	freeLRU.PushFIFO(&f.Device.Node)
	driver := &stubDriver{}

	if err := StageIn(registry, driver, 2, f, "env", 1, freeLRU, lru.New()); err != nil && !errors.Is(err, ErrAlreadyValid) {
		t.Fatalf("StageIn() = %v", err)
	}

	if _, _, err := StageOut(driver, f, 1, host, freeLRU); err != nil {
		t.Fatalf("StageOut() = %v", err)
	}
	if freeLRU.Len() != 1 {
		t.Fatalf("freeLRU.Len() = %d, want 1 (no double-link)", freeLRU.Len())
	}
	if !freeLRU.Contains(&f.Device.Node) {
		t.Error("replica should remain linked into freeLRU")
	}
}

func TestStageOutFreesReadOnlyReplicaWithNoReaders(t *testing.T) {
	registry := datareg.NewRegistry()
	f, d := newFlow(registry, datareg.Read, 2)
	f.Device.Readers = 1
	host := registry.GetCopy(d, datareg.HostDevice)
	freeLRU := lru.New()
	driver := &stubDriver{}

	if _, _, err := StageOut(driver, f, 1, host, freeLRU); err != nil {
		t.Fatalf("StageOut() = %v", err)
	}
	if f.Device.Readers != 0 {
		t.Errorf("Readers = %d, want 0", f.Device.Readers)
	}
	if !freeLRU.Contains(&f.Device.Node) {
		t.Error("a read-only replica with no remaining readers should be pushed to freeLRU")
	}
}
