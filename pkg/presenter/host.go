package presenter

import (
	"image/draw"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/go-drift/canvassync/pkg/canvas"
	"github.com/go-drift/canvassync/pkg/gpu"
	"github.com/go-drift/canvassync/pkg/logging"
	"github.com/go-drift/canvassync/pkg/surface"
)

// Coordinator is the part of *surface.Coordinator the host drives.
type Coordinator interface {
	SupplySurface(id surface.ID, w gpu.Window, tex gpu.TextureID) bool
	PerformSync(key surface.GroupKey)
}

// Host is an in-process presentation side. It implements surface.Bridge:
// every peer notification is handled as a task on the loop, where streams
// are created and destroyed and PerformSync runs.
type Host struct {
	loop    *Loop
	streams gpu.StreamFactory
	frames  gpu.FrameSource
	logger  *zap.Logger

	mu       sync.Mutex
	coord    Coordinator
	groups   map[surface.GroupKey]*hostGroup
	streamOf map[surface.ID]gpu.TextureID
	onSync   func(key surface.GroupKey)
}

type hostGroup struct {
	peer   *hostPeer
	layers []*canvas.Layer
}

// NewHost creates a host that runs on loop and creates streams with
// streams. frames is read when compositing.
func NewHost(loop *Loop, streams gpu.StreamFactory, frames gpu.FrameSource, logger *zap.Logger) *Host {
	return &Host{
		loop:     loop,
		streams:  streams,
		frames:   frames,
		logger:   logging.Named(logger, "presenter.host"),
		groups:   make(map[surface.GroupKey]*hostGroup),
		streamOf: make(map[surface.ID]gpu.TextureID),
	}
}

// Bind sets the coordinator that receives supplied surfaces and sync calls.
func (h *Host) Bind(coord Coordinator) {
	h.mu.Lock()
	h.coord = coord
	h.mu.Unlock()
}

// OnSync sets a hook run on the loop after each PerformSync.
func (h *Host) OnSync(fn func(key surface.GroupKey)) {
	h.mu.Lock()
	h.onSync = fn
	h.mu.Unlock()
}

// Attach implements surface.Bridge.
func (h *Host) Attach(key surface.GroupKey, host surface.HostView) (surface.Peer, error) {
	peer := &hostPeer{h: h, key: key}
	h.mu.Lock()
	g, ok := h.groups[key]
	if !ok {
		g = &hostGroup{}
		h.groups[key] = g
	}
	g.peer = peer
	h.mu.Unlock()
	return peer, nil
}

// Detach implements surface.Bridge. The group's layers are dropped. A
// detach for a peer the group no longer belongs to is ignored.
func (h *Host) Detach(key surface.GroupKey, peer surface.Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.groups[key]; ok && g.peer == peer {
		delete(h.groups, key)
		return
	}
	h.logger.Debug("stale detach ignored", zap.Uint64("group", uint64(key)))
}

// AddLayer adds a layer to the group's composition. Layers are drawn in
// the order they were added.
func (h *Host) AddLayer(key surface.GroupKey, l *canvas.Layer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[key]
	if !ok {
		g = &hostGroup{}
		h.groups[key] = g
	}
	g.layers = append(g.layers, l)
}

// Compose draws the group's layers into dst and returns how many had a
// frame to show.
func (h *Host) Compose(key surface.GroupKey, dst draw.Image) int {
	h.mu.Lock()
	var layers []*canvas.Layer
	if g, ok := h.groups[key]; ok {
		layers = append(layers, g.layers...)
	}
	h.mu.Unlock()

	n := 0
	for _, l := range layers {
		if l.Composite(dst, h.frames) {
			n++
		}
	}
	return n
}

// Streams returns the ids that currently own a stream, in ascending order.
func (h *Host) Streams() []surface.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]surface.ID, 0, len(h.streamOf))
	for id := range h.streamOf {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Host) bound() (Coordinator, func(surface.GroupKey)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coord, h.onSync
}

func (h *Host) createStream(id surface.ID) {
	coord, _ := h.bound()
	if coord == nil {
		h.logger.Warn("surface requested before bind", zap.Stringer("surface", id))
		return
	}
	w, tex, err := h.streams.CreateStream()
	if err != nil {
		h.logger.Error("create stream failed", zap.Stringer("surface", id), zap.Error(err))
		return
	}
	h.mu.Lock()
	h.streamOf[id] = tex
	h.mu.Unlock()

	if !coord.SupplySurface(id, w, tex) {
		// Deregistered before the stream was ready.
		h.destroyStream(id)
	}
}

func (h *Host) destroyStream(id surface.ID) {
	h.mu.Lock()
	tex, ok := h.streamOf[id]
	delete(h.streamOf, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := h.streams.DestroyStream(tex); err != nil {
		h.logger.Warn("destroy stream failed", zap.Stringer("surface", id), zap.Error(err))
	}
}

func (h *Host) performSync(key surface.GroupKey) {
	coord, onSync := h.bound()
	if coord == nil {
		return
	}
	coord.PerformSync(key)
	if onSync != nil {
		onSync(key)
	}
}

// hostPeer posts each notification to the loop and returns.
type hostPeer struct {
	h   *Host
	key surface.GroupKey
}

func (p *hostPeer) SurfaceRequested(id surface.ID) error {
	return p.h.loop.Post(func() { p.h.createStream(id) })
}

func (p *hostPeer) SurfaceDestroyed(id surface.ID) error {
	return p.h.loop.Post(func() { p.h.destroyStream(id) })
}

func (p *hostPeer) SyncRequested(key surface.GroupKey) error {
	return p.h.loop.Post(func() { p.h.performSync(key) })
}
