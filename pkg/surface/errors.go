package surface

import "errors"

var (
	// ErrNotRegistered is returned for ids the coordinator does not know,
	// including handles deregistered while their registration was waiting.
	ErrNotRegistered = errors.New("surface: not registered")

	// ErrAlreadyRegistered is returned when an id is registered twice.
	ErrAlreadyRegistered = errors.New("surface: already registered")

	// ErrNilClient is returned when Register is called without a client.
	ErrNilClient = errors.New("surface: nil client")

	// ErrNoHostView is returned when a client has no host view to group it by.
	ErrNoHostView = errors.New("surface: client has no host view")

	// ErrSurfaceTimeout is returned when no surface was supplied within the
	// register timeout. The handle stays registered without a surface.
	ErrSurfaceTimeout = errors.New("surface: timed out waiting for surface")

	// ErrUnknownGroup is returned for view group keys with no registered surfaces.
	ErrUnknownGroup = errors.New("surface: unknown view group")
)
