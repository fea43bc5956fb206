// Package progress implements the per-device progress loop (component
// 4.I) and D2H drain-task synthesis (component 4.J). It is grounded on
// the teacher's ioLoop/processRequests cadence in internal/queue/runner.go:
// a pinned-to-thread loop that keeps pumping a fixed set of pipeline
// stages (there: fetch -> handle -> commit; here: stage-in -> exec ->
// stage-out) until there is nothing left to progress, then returns
// control to the caller rather than blocking.
//
// Device and Envelope are interfaces rather than the concrete root
// types so this package has no dependency on the public API; the root
// package's Device and TaskEnvelope implement them.
package progress

import (
	"errors"

	"github.com/delgado-oss/gpuflow/internal/datareg"
	"github.com/delgado-oss/gpuflow/internal/interfaces"
	"github.com/delgado-oss/gpuflow/internal/lru"
	"github.com/delgado-oss/gpuflow/internal/stage"
	"github.com/delgado-oss/gpuflow/internal/stream"
)

// EnvType distinguishes a user task from a synthesized drain task.
type EnvType int

const (
	TypeUser EnvType = iota
	TypeD2HDrain
)

// Envelope is the scheduler's view of one task, as needed by the
// progress loop and stream pipeline.
type Envelope interface {
	stream.Task
	Flows() []*stage.Flow
	EnvType() EnvType
	// Launch invokes this envelope's compute kernel on stream s. Only
	// called for the compute step; stage-in/out are driven by the
	// stage package directly rather than a per-envelope callback.
	Launch(s interfaces.StreamHandle) error
}

// Device is the per-device state the progress loop mutates. Every
// method here is called only by the worker holding the lease, except
// Pending and Lease, which tolerate concurrent producers.
type Device interface {
	Index() int
	Driver() interfaces.Driver
	Registry() *datareg.Registry
	FreeLRU() *lru.List
	OwnedLRU() *lru.List
	Streams() []*stream.Stream // [0]=stage-in [1]=stage-out [2:]=compute
	Pending() *stream.PendingFIFO
	Lease() *Lease
	// Reserve performs component 4.G's space reservation for a freshly
	// arrived user task's flows. It mutates per-device state (LRU sets,
	// zone, registry) with no locking of its own, so it must only ever
	// be called here, by the lease holder.
	Reserve(flows []*stage.Flow) error
	NextComputeStream() *stream.Stream
	NewDrainEnvelope() Envelope    // nil if no eligible victims (§4.J)
	Complete(env Envelope)         // hand a finished envelope back upstream
	Fail(env Envelope, err error)  // hand a failed (non-fatal) envelope back upstream
	IncrementExecuted()
	ReleaseLoad()
	Observer() interfaces.Observer // nil if no metrics sink is configured
	CPUAffinity() int              // OS CPU index to pin the lease worker to, or -1
}

// Result is the outcome Run reports to the entry point (§6 submit
// returns {ASYNC, DISABLE, DONE}).
type Result int

const (
	ResultAsync Result = iota
	ResultDone
	ResultDisable
)

// Run implements §4.I's entry point for one (worker, env) pair.
func Run(dev Device, env Envelope) (Result, error) {
	if dev.Lease().Acquire() > 1 {
		if env != nil {
			dev.Pending().PushFront(env)
		}
		return ResultAsync, nil
	}

	unpin := PinCurrentGoroutine(dev.CPUAffinity())
	defer unpin()

	if err := dev.Driver().SetActiveDevice(dev.Index()); err != nil {
		dev.Lease().Release()
		return ResultDisable, err
	}

	streams := dev.Streams()
	stageIn := streams[0]
	stageOut := streams[1]

	inLaunch := stageInLaunch(dev)
	outLaunch := stageOutLaunch(dev)

	for {
		if env != nil && env.EnvType() == TypeUser {
			if err := dev.Reserve(env.Flows()); err != nil {
				dev.ReleaseLoad()
				dev.Fail(env, err)
				env = nil
				continue
			}
		}

		completedFromIn, ferr := progressStream(dev, stageIn, inLaunch, toTask(env))
		if ferr != nil {
			dev.Lease().Release()
			return ResultDisable, ferr
		}
		env = nil
		if completedFromIn != nil {
			inEnv := completedFromIn.(Envelope)
			for _, f := range inEnv.Flows() {
				if f.Mode.HasCtl() || f.Device == nil {
					continue
				}
				if err := stage.CompleteStageIn(f, inEnv); err != nil {
					dev.Lease().Release()
					return ResultDisable, err
				}
			}
		}

		execStream := dev.NextComputeStream()
		completedFromExec, ferr := progressStream(dev, execStream, computeLaunch, completedFromIn)
		if ferr != nil {
			dev.Lease().Release()
			return ResultDisable, ferr
		}

		next := completedFromExec
		if completedFromIn == nil && completedFromExec == nil && stageOut.Occupancy() == 0 && stageOut.Pending().Len() == 0 {
			if drain := dev.NewDrainEnvelope(); drain != nil {
				next = drain
			}
		}

		completedFromOut, ferr := progressStream(dev, stageOut, outLaunch, next)
		if ferr != nil {
			dev.Lease().Release()
			return ResultDisable, ferr
		}

		if completedFromOut != nil {
			finished := completedFromOut.(Envelope)
			runEpilog(dev, finished)
			dev.Complete(finished)
			if finished.EnvType() == TypeUser {
				dev.ReleaseLoad()
			}
			dev.IncrementExecuted()
			continue
		}

		popped := dev.Pending().PopFront()
		if popped == nil {
			dev.Pending().ResortWindow()
			popped = dev.Pending().PopFront()
		}
		if popped != nil {
			env = popped.(Envelope)
			continue
		}

		if dev.Lease().Release() == 0 {
			return ResultAsync, nil
		}
		// A concurrent Acquire landed between our last PopFront and this
		// Release, so its envelope was (or is about to be) pushed to
		// Pending rather than spawning its own worker. Loop back and
		// drain it instead of returning, matching dev_cuda.c's
		// complete_task: goto fetch_task_from_shared_queue on a
		// non-zero decrement.
		env = nil
	}
}

func toTask(env Envelope) stream.Task {
	if env == nil {
		return nil
	}
	return env
}

// taskFailure wraps a per-task error (AntiDependency, TransferFailed):
// the device keeps running, only the offending task fails.
type taskFailure struct {
	task stream.Task
	err  error
}

func (t *taskFailure) Error() string { return t.err.Error() }
func (t *taskFailure) Unwrap() error { return t.err }

// progressStream implements §4.I's progress_stream helper. A per-task
// failure (AntiDependency, a rejected copy) is reported to dev.Fail
// and progress continues; anything else is treated as a fatal device
// error and surfaces to Run.
func progressStream(dev Device, s *stream.Stream, launch stream.LaunchFunc, newTask stream.Task) (stream.Task, error) {
	if newTask != nil {
		s.Pending().PriorityInsert(newTask)
	}
	if s.ReadyForSubmit() {
		if task := s.Pending().PopFront(); task != nil {
			if err := s.Submit(task, launch); err != nil {
				var tf *taskFailure
				if errors.As(err, &tf) {
					dev.Fail(tf.task.(Envelope), tf.err)
				} else if errors.Is(err, stream.ErrRingFull) {
					s.Pending().PushFront(task)
				} else {
					return nil, err
				}
			}
		}
	}
	completed, err := s.Poll()
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// stageInLaunch returns the launch callback the stage-in stream uses:
// issue every non-CTL input flow's host->device copy for the envelope.
// An already-valid replica is skipped; any other stage-in error
// (AntiDependency or a rejected copy) fails just this task rather than
// the whole device.
func stageInLaunch(dev Device) stream.LaunchFunc {
	return func(task stream.Task, s interfaces.StreamHandle) error {
		env := task.(Envelope)
		for _, f := range env.Flows() {
			if f.Mode.HasCtl() || f.Device == nil {
				continue
			}
			err := stage.StageIn(dev.Registry(), dev.Driver(), dev.Index(), f, env, s, dev.FreeLRU(), dev.OwnedLRU())
			if err == nil {
				if obs := dev.Observer(); obs != nil {
					obs.ObserveBytesIn(dev.Index(), f.Datum.ByteSize, true)
				}
				continue
			}
			if errors.Is(err, stage.ErrAlreadyValid) {
				if obs := dev.Observer(); obs != nil {
					obs.ObserveBytesIn(dev.Index(), f.Datum.ByteSize, false)
				}
				continue
			}
			// AntiDependency (programmer error) and a rejected driver
			// copy (TransferFailed) both fail only this task; either
			// way progressStream routes it to dev.Fail.
			return &taskFailure{task: task, err: err}
		}
		return nil
	}
}

// computeLaunch defers to the envelope's own kernel launch routine.
func computeLaunch(task stream.Task, s interfaces.StreamHandle) error {
	env := task.(Envelope)
	return env.Launch(s)
}

// stageOutLaunch runs stage.StageOut for every non-CTL flow of the
// envelope; only pushout and drain flows issue a device->host copy.
func stageOutLaunch(dev Device) stream.LaunchFunc {
	return func(task stream.Task, s interfaces.StreamHandle) error {
		env := task.(Envelope)
		for _, f := range env.Flows() {
			if f.Mode.HasCtl() || f.Device == nil {
				continue
			}
			host := dev.Registry().GetCopy(f.Datum, datareg.HostDevice)
			if host == nil {
				return &taskFailure{task: task, err: errors.New("progress: write flow has no host replica")}
			}
			required, transferred, err := stage.StageOut(dev.Driver(), f, s, host, dev.FreeLRU())
			if err != nil {
				return &taskFailure{task: task, err: err}
			}
			if obs := dev.Observer(); obs != nil {
				obs.ObserveBytesOut(dev.Index(), required, transferred > 0)
			}
		}
		return nil
	}
}

// runEpilog implements §4.I's epilog for every WRITE flow of a
// completed envelope: transition OWNED->SHARED (or keep OWNED),
// version bookkeeping, LRU placement, and rewriting the flow's output
// slot to the host replica so downstream consumers see a host address.
func runEpilog(dev Device, env Envelope) {
	for _, f := range env.Flows() {
		if !f.Mode.HasWrite() || f.Device == nil {
			continue
		}
		devRep := f.Device
		newVersion := f.Datum.BumpVersion()
		devRep.Version = newVersion

		host := dev.Registry().GetCopy(f.Datum, datareg.HostDevice)
		if host != nil {
			host.Version = newVersion
		}

		if f.Pushout || env.EnvType() == TypeD2HDrain {
			devRep.Coherency = datareg.Shared
			if host != nil {
				host.Coherency = datareg.Shared
			}
			if env.EnvType() == TypeD2HDrain && devRep.Readers > 0 {
				devRep.Readers--
			}
			dev.FreeLRU().PushFIFO(&devRep.Node)
		} else {
			devRep.Coherency = datareg.Owned
			dev.OwnedLRU().PushFIFO(&devRep.Node)
		}

		f.Out = host
	}
}
