// Package stream implements the per-device stream pipeline (component
// 4.D): a ring of outstanding events paired with task-envelope slots,
// a priority-ordered pending FIFO, and a per-stream scratch workspace
// stack. The ring indexing (start/end into fixed-size slot arrays) and
// the submit-then-poll shape are grounded on the teacher's queue
// Runner, which advances exactly this kind of start/end pair over a
// fixed-depth array of outstanding commands.
package stream

import (
	"errors"

	"github.com/delgado-oss/gpuflow/internal/interfaces"
)

// Task is the minimal capability the stream pipeline needs from a task
// envelope: its scheduling priority, for the pending FIFO's
// priority-ordered merge insertion. The concrete envelope type lives in
// the root package, which is free to pass itself here.
type Task interface {
	StreamPriority() int
}

// Role identifies a stream's fixed assignment within a device's stream
// array (data model §3: index 0 = stage-in, index 1 = stage-out,
// 2..N = compute).
type Role int

const (
	RoleStageIn Role = iota
	RoleStageOut
	RoleCompute
)

// LaunchFunc submits one task envelope to the driver on behalf of a
// stream. A non-nil error means the submission was rejected and the
// envelope must be re-queued (§4.D step 2).
type LaunchFunc func(task Task, stream interfaces.StreamHandle) error

// ErrRingFull is returned by Submit when the ring has no free slot.
var ErrRingFull = errors.New("stream: ring full")

// ScratchAllocator is the capability Stream needs to grow and shrink
// its workspace stack. *zone.Zone satisfies this directly.
type ScratchAllocator interface {
	Alloc(size uint64) (uintptr, bool)
	Free(ptr uintptr, size uint64) error
}

// MaxWorkspace bounds the scratch stack depth per stream, mirroring
// the original's fixed DAGUE_GPU_MAX_WORKSPACE cap.
const MaxWorkspace = 2

type workspaceEntry struct {
	ptr  uintptr
	size uint64
}

// Stream is one asynchronous execution lane on a device.
type Stream struct {
	Role    Role
	handle  interfaces.StreamHandle
	driver  interfaces.Driver
	alloc   ScratchAllocator

	maxEvents int
	tasks     []Task
	events    []interfaces.EventHandle
	start     int
	end       int
	executed  uint64

	pending *PendingFIFO

	workspace []workspaceEntry
}

// New creates a stream backed by a driver-level handle, with a ring of
// maxEvents slots. The driver must have already created one event per
// slot via CreateEvent; New consumes events verbatim so the caller
// controls event lifetime (and can destroy them all together later).
func New(role Role, driver interfaces.Driver, handle interfaces.StreamHandle, alloc ScratchAllocator, maxEvents int, events []interfaces.EventHandle) *Stream {
	if len(events) != maxEvents {
		panic("stream: events slice must have length maxEvents")
	}
	return &Stream{
		Role:      role,
		handle:    handle,
		driver:    driver,
		alloc:     alloc,
		maxEvents: maxEvents,
		tasks:     make([]Task, maxEvents),
		events:    append([]interfaces.EventHandle(nil), events...),
		pending:   NewPendingFIFO(),
	}
}

// Handle returns the driver-level stream handle.
func (s *Stream) Handle() interfaces.StreamHandle { return s.handle }

// Executed returns the count of envelopes this stream has completed.
func (s *Stream) Executed() uint64 { return s.executed }

// Pending exposes the stream's pending FIFO for priority-insert and
// the periodic partial resort (§4.I).
func (s *Stream) Pending() *PendingFIFO { return s.pending }

// Submit attempts to place task into the ring (§4.D submit).
// ErrRingFull means the caller must leave task in the pending FIFO.
// Any other non-nil error means launch itself failed; whether that is
// worth retrying (push task back to the pending FIFO) or a permanent
// failure for this task is the caller's call, not this package's: a
// generic stream has no notion of which launch errors are transient.
func (s *Stream) Submit(task Task, launch LaunchFunc) error {
	if s.tasks[s.start] != nil {
		return ErrRingFull
	}
	if err := launch(task, s.handle); err != nil {
		return err
	}
	if err := s.driver.RecordEvent(s.events[s.start], s.handle); err != nil {
		return err
	}
	s.tasks[s.start] = task
	s.start = (s.start + 1) % s.maxEvents
	return nil
}

// ReadyForSubmit reports whether the ring has a free slot (§4.D submit
// step 1: tasks[start] == nil).
func (s *Stream) ReadyForSubmit() bool {
	return s.tasks[s.start] == nil
}

// Poll checks the oldest outstanding slot for completion (§4.D poll).
// It returns the completed task, or nil if the slot is empty or its
// event has not fired yet. Stage-in-specific transfer-status bookkeeping
// (step 3 of the spec) is the stage package's responsibility and runs
// after Poll returns a non-nil task on the stage-in stream.
func (s *Stream) Poll() (Task, error) {
	task := s.tasks[s.end]
	if task == nil {
		return nil, nil
	}
	ready, err := s.driver.QueryEvent(s.events[s.end])
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, nil
	}
	s.tasks[s.end] = nil
	s.end = (s.end + 1) % s.maxEvents
	s.executed++
	return task, nil
}

// Occupancy returns (start-end) mod maxEvents, the count of slots
// currently in flight, per the §8 ring invariant.
func (s *Stream) Occupancy() int {
	d := s.start - s.end
	if d < 0 {
		d += s.maxEvents
	}
	if d == 0 && s.tasks[s.end] != nil {
		return s.maxEvents
	}
	return d
}

// PopWorkspace draws one scratch block of size bytes from the shared
// zone allocator and pushes it onto this stream's workspace stack,
// bounded at MaxWorkspace entries. Returns the block address and true,
// or 0, false if the stack is full or the allocator is exhausted.
func (s *Stream) PopWorkspace(size uint64) (uintptr, bool) {
	if len(s.workspace) >= MaxWorkspace {
		return 0, false
	}
	ptr, ok := s.alloc.Alloc(size)
	if !ok {
		return 0, false
	}
	s.workspace = append(s.workspace, workspaceEntry{ptr: ptr, size: size})
	return ptr, true
}

// PushWorkspace releases the most recently popped scratch block back
// to the zone allocator.
func (s *Stream) PushWorkspace() error {
	if len(s.workspace) == 0 {
		return nil
	}
	top := s.workspace[len(s.workspace)-1]
	s.workspace = s.workspace[:len(s.workspace)-1]
	return s.alloc.Free(top.ptr, top.size)
}
