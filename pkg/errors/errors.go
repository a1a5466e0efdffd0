// Package errors provides structured error reporting for canvassync.
//
// Failures that cross the render/presentation boundary are rarely returned
// to anyone who can act on them, so components also Report them to a
// process-wide Handler. The default handler logs through zap.
package errors

import (
	"fmt"
	"time"
)

// Kind identifies the category of an error.
type Kind int

const (
	// KindUnknown indicates an error of unknown type.
	KindUnknown Kind = iota
	// KindNotFound indicates an operation referenced an unknown surface or group.
	KindNotFound
	// KindTimeout indicates a bounded wait expired.
	KindTimeout
	// KindPlatform indicates a platform surface, context or bridge call failed.
	KindPlatform
	// KindInit indicates an initialization error.
	KindInit
	// KindPanic indicates a recovered panic.
	KindPanic
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindTimeout:
		return "timeout"
	case KindPlatform:
		return "platform"
	case KindInit:
		return "init"
	case KindPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Error is a structured canvassync error.
type Error struct {
	// Op is the operation that failed (e.g., "surface.Register").
	Op string
	// Kind categorizes the error.
	Kind Kind
	// Err is the underlying error.
	Err error
	// Surface is the surface id involved, or 0.
	Surface int64
	// Group is the view group key involved, or 0.
	Group uint64
	// Channel is the platform channel name, if applicable.
	Channel string
	// StackTrace contains the call stack at the time of the error.
	StackTrace string
	// Timestamp is when the error occurred.
	Timestamp time.Time
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s [%s]", e.Op, e.Kind)
	if e.Surface != 0 {
		s += fmt.Sprintf(" surface=%d", e.Surface)
	}
	if e.Group != 0 {
		s += fmt.Sprintf(" group=%d", e.Group)
	}
	if e.Channel != "" {
		s += " channel=" + e.Channel
	}
	return fmt.Sprintf("%s: %v", s, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PanicError represents a recovered panic.
type PanicError struct {
	// Op is the operation that panicked (e.g., "presenter.Loop").
	Op string
	// Value is the value passed to panic().
	Value any
	// StackTrace contains the call stack at the time of the panic.
	StackTrace string
	// Timestamp is when the panic occurred.
	Timestamp time.Time
}

func (e *PanicError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("panic in %s: %v", e.Op, e.Value)
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// Handler receives errors reported by canvassync components.
type Handler interface {
	// HandleError is called when an error occurs.
	HandleError(err *Error)
	// HandlePanic is called when a panic is recovered.
	HandlePanic(err *PanicError)
}
