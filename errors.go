package gpuflow

import (
	"errors"
	"fmt"
)

// Error is a structured scheduler error carrying enough context to
// route a failure back to the right task, device, or datum without
// string-matching the message.
type Error struct {
	Op          string    // operation that failed (e.g. "StageIn", "Select")
	DeviceIndex int       // device index (-1 if not applicable)
	DatumKey    string    // datum key ("" if not applicable)
	Kind        ErrorKind // one of the six error kinds
	Msg         string    // human-readable message
	Inner       error     // wrapped error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DeviceIndex >= 0 {
		parts = append(parts, fmt.Sprintf("device=%d", e.DeviceIndex))
	}
	if e.DatumKey != "" {
		parts = append(parts, fmt.Sprintf("datum=%s", e.DatumKey))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("gpuflow: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("gpuflow: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Kind == te.Kind
	}
	return false
}

// ErrorKind is one of the six error categories spec.md §7 names.
type ErrorKind string

const (
	// KindNotFound covers a symbol or file lookup failure (task-kernel
	// resolution, a missing library path entry).
	KindNotFound ErrorKind = "not found"
	// KindOutOfResource covers device memory or host resource
	// exhaustion: disables the device at reservation time, yields
	// Reschedule at stage-in time.
	KindOutOfResource ErrorKind = "out of resource"
	// KindTransferFailed covers an async copy the driver rejected.
	// Fails only the offending task; the device continues.
	KindTransferFailed ErrorKind = "transfer failed"
	// KindDeviceFault covers the driver returning non-success on a
	// critical call (SetActiveDevice, stream/event creation).
	KindDeviceFault ErrorKind = "device fault"
	// KindAntiDependency covers a write request colliding with active
	// readers: a programmer error, reported and failed back upstream.
	KindAntiDependency ErrorKind = "anti-dependency"
	// KindInvalidParameters covers a caller-supplied argument that
	// cannot be serviced (unknown device index, malformed descriptor).
	KindInvalidParameters ErrorKind = "invalid parameters"
)

// NewError creates a structured error not tied to a specific device or
// datum.
func NewError(op string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, DeviceIndex: -1, Kind: kind, Msg: msg}
}

// NewDeviceError creates a structured error scoped to one device.
func NewDeviceError(op string, deviceIndex int, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, DeviceIndex: deviceIndex, Kind: kind, Msg: msg}
}

// NewDatumError creates a structured error scoped to one datum.
func NewDatumError(op string, datumKey string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, DeviceIndex: -1, DatumKey: datumKey, Kind: kind, Msg: msg}
}

// WrapError wraps an existing error with scheduler context, preserving
// an inner *Error's device/datum fields when present.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ge, ok := inner.(*Error); ok {
		return &Error{
			Op:          op,
			DeviceIndex: ge.DeviceIndex,
			DatumKey:    ge.DatumKey,
			Kind:        ge.Kind,
			Msg:         ge.Msg,
			Inner:       ge.Inner,
		}
	}
	return &Error{
		Op:          op,
		DeviceIndex: -1,
		Kind:        KindTransferFailed,
		Msg:         inner.Error(),
		Inner:       inner,
	}
}

// rescheduleError is the first-class "try again, no fault" signal
// component 4.G raises when reservation cannot be satisfied right now.
// It is deliberately not an ErrorKind: §7 treats Reschedule as a
// control-flow variant the progress loop absorbs, never an exception
// surfaced to the caller.
type rescheduleError struct {
	inner error
}

func (r *rescheduleError) Error() string {
	if r.inner != nil {
		return fmt.Sprintf("gpuflow: reschedule: %v", r.inner)
	}
	return "gpuflow: reschedule"
}
func (r *rescheduleError) Unwrap() error { return r.inner }

// NewReschedule wraps err (may be nil) as a reschedule signal: the
// caller should requeue the task at the head of the device's pending
// list rather than treating this as a failure.
func NewReschedule(err error) error {
	return &rescheduleError{inner: err}
}

// IsReschedule reports whether err (or something it wraps) is a
// reschedule signal.
func IsReschedule(err error) bool {
	var r *rescheduleError
	return errors.As(err, &r)
}

// IsCode reports whether err (or something it wraps) is a *Error with
// the given kind.
func IsCode(err error, kind ErrorKind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
