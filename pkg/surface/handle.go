package surface

import "github.com/go-drift/canvassync/pkg/gpu"

// State is the lifecycle state of a registered surface.
type State int

const (
	// AwaitingSurface means a surface was requested and not yet supplied.
	AwaitingSurface State = iota
	// Unaccelerated means the request failed or timed out. A late
	// SupplySurface still moves the handle to Ready.
	Unaccelerated
	// Ready means a window and texture were supplied.
	Ready
)

func (s State) String() string {
	switch s {
	case AwaitingSurface:
		return "awaiting-surface"
	case Unaccelerated:
		return "unaccelerated"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name in snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// handle is the coordinator's record of one registered surface. All fields
// are guarded by Coordinator.mu.
type handle struct {
	id     ID
	client Client
	group  GroupKey
	state  State

	// syncRequested is set by RequestSync and cleared when the surface is
	// presented by PerformSync or by a context switch.
	syncRequested bool

	window  gpu.Window
	texture gpu.TextureID

	// waiting is true while Register blocks on ready. A surface supplied
	// while nobody waits is delivered to the client by SupplySurface.
	waiting bool
	ready   chan struct{}
	woken   bool
}

func newHandle(id ID, client Client, group GroupKey) *handle {
	return &handle{
		id:      id,
		client:  client,
		group:   group,
		state:   AwaitingSurface,
		waiting: true,
		ready:   make(chan struct{}),
	}
}

// wake releases a waiting Register. Safe to call more than once.
func (h *handle) wake() {
	if !h.woken {
		h.woken = true
		close(h.ready)
	}
}
