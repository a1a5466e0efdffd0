package surface

import "github.com/go-drift/canvassync/pkg/gpu"

// HostView is the view a surface is drawn into. Surfaces sharing a host
// view form one view group.
type HostView interface {
	Key() GroupKey
}

// Client is the render-side owner of a surface, usually a canvas.RenderContext.
//
// The coordinator never calls a Client while holding its table lock, so a
// Client may call back into the coordinator from SurfaceAssigned and
// SetPaintingDisabled. Present and Binding run under the binding lock and
// must not call EnsureCurrent, RunCurrent or ReleaseCurrent.
type Client interface {
	// HostView returns the view the client draws into, or nil if it has
	// none.
	HostView() HostView

	// Binding returns the surface and context to make current before the
	// client presents. ok is false if the client has nothing to present.
	Binding() (s gpu.Surface, ctx gpu.Context, ok bool)

	// SurfaceAssigned delivers the window and texture supplied by the
	// presentation side.
	SurfaceAssigned(w gpu.Window, tex gpu.TextureID)

	// Present flushes pending work and swaps. It is called with the
	// client's context current.
	Present()

	// SetPaintingDisabled freezes or resumes drawing.
	SetPaintingDisabled(disabled bool)
}

// Peer is the presentation-side endpoint of one view group. Its methods
// post a message and return without waiting for it to be handled; an error
// means the message could not be posted. Peer methods must not call back
// into the coordinator synchronously.
type Peer interface {
	// SurfaceRequested asks for a window to be supplied for id via
	// Coordinator.SupplySurface.
	SurfaceRequested(id ID) error

	// SurfaceDestroyed reports that id was deregistered.
	SurfaceDestroyed(id ID) error

	// SyncRequested asks for Coordinator.PerformSync to be called for key.
	SyncRequested(key GroupKey) error
}

// Bridge creates a Peer for each new view group. Attach and Detach are
// called with the coordinator's table lock held, in order, and must not call
// back into the coordinator.
type Bridge interface {
	// Attach is called when the first surface of a group registers.
	Attach(key GroupKey, host HostView) (Peer, error)

	// Detach is called once when the last surface of a group deregisters.
	Detach(key GroupKey, peer Peer)
}
