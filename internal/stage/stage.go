// Package stage implements the stage-in/stage-out engine (component
// 4.F): choosing replicas, issuing host<->device copies, and enforcing
// transfer status. It is grounded on the teacher's handleIORequest /
// submitCommitAndFetch split in internal/queue/runner.go: one function
// decides what to copy and issues the async operation, a second
// function finalizes per-flow bookkeeping once the driver has acted.
package stage

import (
	"errors"

	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/interfaces"
	"github.com/delgado-oss/gpuflow/internal/lru"
)

// ErrAntiDependency is returned when a WRITE stage-in collides with an
// outstanding reader (§4.F step 1, §7 AntiDependency).
var ErrAntiDependency = errors.New("stage: write request collides with active readers")

// ErrAlreadyValid is a status, not a failure: the target replica is
// already at the datum's current version and no transfer is needed
// (§4.F step 3).
var ErrAlreadyValid = errors.New("stage: target replica already valid")

// Flow is the stage engine's view of one task flow: the datum being
// moved, the access mode, the chosen device-side replica (already
// reserved by component 4.G), and the pushout flag for stage-out.
type Flow struct {
	Mode    datareg.AccessMode
	Datum   *datareg.Datum
	Device  *datareg.Replica
	Pushout bool
	IsDrain bool

	// Out is the flow's output placeholder (data_out in spec.md),
	// rewritten at epilog time to the host replica so downstream
	// consumers of the dataflow see a host address.
	Out *datareg.Replica
}

// StageIn performs §4.F's stage_in algorithm for one flow. env is the
// task envelope to record as Device.PushTask while the copy is
// in-flight; it is opaque to this package. freeLRU/ownedLRU are the
// device's LRU sets, needed only to unpin a WRITE target.
func StageIn(registry *datareg.Registry, driver interfaces.Driver, deviceIndex int, f *Flow, env interface{}, inStream interfaces.StreamHandle, freeLRU, ownedLRU *lru.List) error {
	if f.Mode.HasWrite() && f.Device.Readers > 0 {
		return ErrAntiDependency
	}

	if f.Mode.HasWrite() {
		if freeLRU.Contains(&f.Device.Node) {
			freeLRU.Chop(&f.Device.Node)
		} else if ownedLRU.Contains(&f.Device.Node) {
			ownedLRU.Chop(&f.Device.Node)
		}
	}

	src := registry.TransferOwnershipToCopy(f.Datum, deviceIndex, f.Mode)
	if src == -1 {
		return ErrAlreadyValid
	}

	hostReplica := registry.GetCopy(f.Datum, datareg.HostDevice)
	if hostReplica == nil {
		return errors.New("stage: datum has no host replica")
	}

	if err := driver.CopyHostToDeviceAsync(interfaces.DevicePtr(f.Device.Ptr), interfaces.HostPtr(hostReplica.Ptr), f.Datum.ByteSize, inStream); err != nil {
		return err
	}

	f.Device.Version = hostReplica.Version
	f.Device.Transfer = datareg.UnderTransfer
	f.Device.PushTask = env
	return nil
}

// CompleteStageIn finalizes the transfer-status bookkeeping §4.D step 3
// assigns to the stage-in stream: the completing envelope's flow whose
// PushTask == env transitions COMPLETE. Any other observed state is a
// bug in the caller's sequencing, matching the spec's "any other state
// is a bug."
func CompleteStageIn(f *Flow, env interface{}) error {
	if f.Device.PushTask != env {
		return nil
	}
	if f.Device.Transfer != datareg.UnderTransfer {
		return errors.New("stage: stage-in completion on a flow that was not under transfer")
	}
	f.Device.Transfer = datareg.Complete
	f.Device.PushTask = nil
	return nil
}

// StageOut performs §4.F's stage_out algorithm for one flow. The
// datum's byte size is returned as requiredOut always, and as
// transferredOut only when a copy is actually issued (pushout or drain
// flows), matching the required_data_out / transferred_data_out
// counters. A READ flow also releases its reader hold on the replica.
func StageOut(driver interfaces.Driver, f *Flow, outStream interfaces.StreamHandle, hostReplica *datareg.Replica, freeLRU *lru.List) (requiredOut, transferredOut uint64, err error) {
	requiredOut = f.Datum.ByteSize

	if f.Pushout || f.IsDrain {
		if cerr := driver.CopyDeviceToHostAsync(interfaces.HostPtr(hostReplica.Ptr), interfaces.DevicePtr(f.Device.Ptr), f.Datum.ByteSize, outStream); cerr != nil {
			return requiredOut, 0, cerr
		}
		transferredOut = f.Datum.ByteSize
	}

	if f.Mode.HasRead() {
		if f.Device.Readers > 0 {
			f.Device.Readers--
		}
		if f.Device.Readers == 0 && !f.Mode.HasWrite() {
			if freeLRU.Contains(&f.Device.Node) {
				freeLRU.Chop(&f.Device.Node)
			}
			freeLRU.PushFIFO(&f.Device.Node)
		}
	}

	return requiredOut, transferredOut, nil
}
