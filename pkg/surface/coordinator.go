// Package surface coordinates GPU surfaces shared between render goroutines
// and a single presentation goroutine.
//
// A Coordinator owns the table of registered surfaces, the view groups they
// are batched into and the token naming the context that is currently
// bound. Render contexts register with it to obtain a window from the
// presentation side, ask it to make their context current before drawing
// and request syncs when they have a frame to present. The presentation side
// answers with SupplySurface and PerformSync.
//
// Sync requests are coalesced at two levels. A surface that already has a
// pending sync does nothing. Otherwise the surface is marked, and its view
// group posts SyncRequested only if it has no notification outstanding.
// PerformSync clears the group flag before presenting, so a request arriving
// after that point always posts a new notification. There is at most one
// outstanding SyncRequested per group.
package surface

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/go-drift/canvassync/pkg/diagnostics"
	canvaserrors "github.com/go-drift/canvassync/pkg/errors"
	"github.com/go-drift/canvassync/pkg/gpu"
	"github.com/go-drift/canvassync/pkg/logging"
)

// DefaultRegisterTimeout bounds how long Register waits for a surface.
const DefaultRegisterTimeout = 500 * time.Millisecond

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRegisterTimeout overrides DefaultRegisterTimeout.
func WithRegisterTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to logging.L().
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records coordinator activity in m.
func WithMetrics(m *diagnostics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator is safe for concurrent use.
//
// Two locks are involved. mu guards the surface and group tables and is
// never held while calling a Client. bind serializes context switches and
// presents. The current token is written only under bind. bind is always
// taken before mu.
type Coordinator struct {
	bridge  Bridge
	binder  gpu.Binder
	timeout time.Duration
	logger  *zap.Logger
	metrics *diagnostics.Metrics

	mu      sync.Mutex
	handles map[ID]*handle
	groups  map[GroupKey]*viewGroup

	bind    sync.Mutex
	current atomic.Int64
}

// New creates a coordinator that attaches view groups through bridge and
// switches contexts with binder.
func New(bridge Bridge, binder gpu.Binder, opts ...Option) *Coordinator {
	c := &Coordinator{
		bridge:  bridge,
		binder:  binder,
		timeout: DefaultRegisterTimeout,
		handles: make(map[ID]*handle),
		groups:  make(map[GroupKey]*viewGroup),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Named(c.logger, "surface")
	return c
}

// Register adds client under id and blocks until the presentation side
// supplies a surface or the register timeout elapses.
//
// The first surface of a view group attaches the group's peer. Every
// registration posts SurfaceRequested. On success the client's
// SurfaceAssigned is called before Register returns. On timeout Register
// returns ErrSurfaceTimeout and the surface stays registered without a
// window. If the surface is deregistered while waiting, Register returns
// ErrNotRegistered.
func (c *Coordinator) Register(id ID, client Client) error {
	const op = "surface.Register"

	if client == nil {
		return c.reject(op, id, 0, canvaserrors.KindNotFound, ErrNilClient)
	}
	host := client.HostView()
	if host == nil {
		return c.reject(op, id, 0, canvaserrors.KindNotFound, ErrNoHostView)
	}
	key := host.Key()

	c.mu.Lock()
	if _, ok := c.handles[id]; ok {
		c.mu.Unlock()
		return c.reject(op, id, key, canvaserrors.KindUnknown, ErrAlreadyRegistered)
	}
	g, ok := c.groups[key]
	if !ok {
		peer, err := c.bridge.Attach(key, host)
		if err != nil {
			c.mu.Unlock()
			return c.reject(op, id, key, canvaserrors.KindPlatform, fmt.Errorf("attach view group: %w", err))
		}
		g = newViewGroup(key, peer)
		c.groups[key] = g
		c.logger.Debug("view group attached", zap.Uint64("group", uint64(key)))
	}
	h := newHandle(id, client, key)
	c.handles[id] = h
	g.add(h)
	peer, refs := g.peer, g.refs
	c.updatePopulation()
	c.mu.Unlock()

	c.logger.Debug("surface registered",
		zap.Stringer("surface", id),
		zap.Uint64("group", uint64(key)),
		zap.Int("refs", refs))

	if err := peer.SurfaceRequested(id); err != nil {
		c.mu.Lock()
		h.waiting = false
		h.state = Unaccelerated
		c.mu.Unlock()
		err = fmt.Errorf("post surface request: %w", err)
		c.logger.Error("surface request not posted", zap.Stringer("surface", id), zap.Error(err))
		c.report(op, id, key, canvaserrors.KindPlatform, err)
		c.metrics.Registered(diagnostics.OutcomeRejected, 0)
		return err
	}
	c.metrics.Notified(diagnostics.NotifySurfaceRequested)

	start := time.Now()
	switch outcome := c.awaitSurface(h, c.timeout).(type) {
	case surfaceReady:
		c.metrics.Registered(diagnostics.OutcomeReady, time.Since(start))
		c.logger.Debug("surface supplied", zap.Stringer("surface", id), zap.Duration("waited", time.Since(start)))
		client.SurfaceAssigned(outcome.window, outcome.texture)
		return nil
	case waitTimedOut:
		c.metrics.Registered(diagnostics.OutcomeTimeout, time.Since(start))
		c.logger.Error("timed out waiting for surface", zap.Stringer("surface", id), zap.Duration("timeout", c.timeout))
		c.report(op, id, key, canvaserrors.KindTimeout, ErrSurfaceTimeout)
		return ErrSurfaceTimeout
	default:
		c.logger.Warn("surface deregistered while waiting", zap.Stringer("surface", id))
		return ErrNotRegistered
	}
}

// Deregister removes id, posts SurfaceDestroyed and detaches its view group
// if id was the group's last surface. A Register still waiting for id
// returns ErrNotRegistered. Unknown ids are ignored.
//
// The post and the detach happen under the table lock, so a Register for
// the same group key always attaches after the old group is detached.
func (c *Coordinator) Deregister(id ID) {
	c.mu.Lock()
	h, ok := c.handles[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("deregister: unknown surface", zap.Stringer("surface", id))
		return
	}
	delete(c.handles, id)
	h.wake()

	g := c.groups[h.group]
	empty := g.remove(h)
	postErr := g.peer.SurfaceDestroyed(id)
	if empty {
		delete(c.groups, g.key)
		c.bridge.Detach(g.key, g.peer)
	}
	refs := g.refs
	c.updatePopulation()
	c.mu.Unlock()

	c.logger.Debug("surface deregistered",
		zap.Stringer("surface", id),
		zap.Uint64("group", uint64(g.key)),
		zap.Int("refs", refs))

	if postErr != nil {
		c.logger.Error("surface destroyed not posted", zap.Stringer("surface", id), zap.Error(postErr))
		c.report("surface.Deregister", id, g.key, canvaserrors.KindPlatform, postErr)
	} else {
		c.metrics.Notified(diagnostics.NotifySurfaceDestroyed)
	}
	if empty {
		c.logger.Debug("view group detached", zap.Uint64("group", uint64(g.key)))
	}
}

// RequestSync marks id as having a frame to present and, if its view group
// has no notification outstanding, posts SyncRequested for the group.
// Repeated requests before the next PerformSync are absorbed. If the post
// fails, no flag is set and the error is returned.
func (c *Coordinator) RequestSync(id ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.handles[id]
	if !ok {
		c.logger.Warn("request sync: unknown surface", zap.Stringer("surface", id))
		return ErrNotRegistered
	}
	if h.syncRequested {
		c.metrics.Coalesced()
		return nil
	}
	g := c.groups[h.group]
	if g.syncRequested {
		h.syncRequested = true
		c.metrics.Coalesced()
		return nil
	}
	if err := g.peer.SyncRequested(g.key); err != nil {
		err = fmt.Errorf("post sync request: %w", err)
		c.report("surface.RequestSync", id, g.key, canvaserrors.KindPlatform, err)
		return err
	}
	h.syncRequested = true
	g.syncRequested = true
	c.metrics.Notified(diagnostics.NotifySyncRequested)
	return nil
}

// PerformSync presents every surface in the group that requested a sync.
// The dirty set is taken, and all flags cleared, in one step; each surface
// is then made current and presented under the binding lock.
func (c *Coordinator) PerformSync(key GroupKey) {
	start := time.Now()

	c.mu.Lock()
	g, ok := c.groups[key]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("perform sync ignored", zap.Uint64("group", uint64(key)), zap.Error(ErrUnknownGroup))
		return
	}
	dirty := g.takeDirty()
	c.mu.Unlock()

	// Present in registration order.
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].id < dirty[j].id })

	presented := 0
	for _, h := range dirty {
		if c.presentOne(h) {
			presented++
		}
	}
	c.metrics.PerformedSync(time.Since(start), presented)
}

func (c *Coordinator) presentOne(h *handle) bool {
	c.bind.Lock()
	defer c.bind.Unlock()

	s, ctx, ok := h.client.Binding()
	if !ok {
		return false
	}
	if err := c.ensureCurrentLocked(h.id, s, ctx); err != nil {
		return false
	}
	h.client.Present()
	return true
}

// EnsureCurrent makes ctx current for drawing into s on behalf of id.
// It does nothing when id already holds the current token. Otherwise a
// pending frame of the previous holder is presented first, while its
// context is still bound. If the platform call fails the token is reset to
// NoID and the error is returned.
func (c *Coordinator) EnsureCurrent(id ID, s gpu.Surface, ctx gpu.Context) error {
	c.bind.Lock()
	defer c.bind.Unlock()
	return c.ensureCurrentLocked(id, s, ctx)
}

// RunCurrent makes ctx current as EnsureCurrent does and runs fn before
// any other context can be switched to.
func (c *Coordinator) RunCurrent(id ID, s gpu.Surface, ctx gpu.Context, fn func() error) error {
	c.bind.Lock()
	defer c.bind.Unlock()
	if err := c.ensureCurrentLocked(id, s, ctx); err != nil {
		return err
	}
	return fn()
}

func (c *Coordinator) ensureCurrentLocked(id ID, s gpu.Surface, ctx gpu.Context) error {
	prev := ID(c.current.Load())
	if id == prev {
		return nil
	}

	if prev != NoID {
		c.mu.Lock()
		var pending Client
		if h, ok := c.handles[prev]; ok && h.syncRequested {
			h.syncRequested = false
			pending = h.client
		}
		c.mu.Unlock()
		if pending != nil {
			c.logger.Debug("presenting outgoing context", zap.Stringer("surface", prev))
			pending.Present()
			c.metrics.Presented()
		}
	}

	c.metrics.Switched()
	if err := c.binder.MakeCurrent(s, ctx); err != nil {
		c.current.Store(int64(NoID))
		err = fmt.Errorf("make current: %w", err)
		c.logger.Error("make current failed", zap.Stringer("surface", id), zap.Error(err))
		c.report("surface.EnsureCurrent", id, 0, canvaserrors.KindPlatform, err)
		return err
	}
	c.current.Store(int64(id))
	return nil
}

// ReleaseCurrent unbinds id's context if it holds the current token, then
// runs teardown, if non-nil, before any other context can be bound.
func (c *Coordinator) ReleaseCurrent(id ID, teardown func()) error {
	c.bind.Lock()
	defer c.bind.Unlock()

	var err error
	if id != NoID && id == ID(c.current.Load()) {
		c.current.Store(int64(NoID))
		if err = c.binder.ReleaseCurrent(); err != nil {
			err = fmt.Errorf("release current: %w", err)
			c.report("surface.ReleaseCurrent", id, 0, canvaserrors.KindPlatform, err)
		}
	}
	if teardown != nil {
		teardown()
	}
	return err
}

// SupplySurface stores the window and texture for id and wakes its waiting
// Register. If nobody is waiting, because the registration timed out, the
// surface is delivered to the client directly. It returns false for
// unknown ids.
func (c *Coordinator) SupplySurface(id ID, w gpu.Window, tex gpu.TextureID) bool {
	c.mu.Lock()
	h, ok := c.handles[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("supply surface: unknown surface", zap.Stringer("surface", id))
		return false
	}
	h.window, h.texture = w, tex
	h.state = Ready
	late := !h.waiting
	h.wake()
	client := h.client
	c.mu.Unlock()

	if late {
		c.logger.Info("late surface delivered", zap.Stringer("surface", id))
		client.SurfaceAssigned(w, tex)
	}
	return true
}

// SetPaintingDisabled forwards disabled to every client in the group.
func (c *Coordinator) SetPaintingDisabled(key GroupKey, disabled bool) {
	c.mu.Lock()
	g, ok := c.groups[key]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("set painting disabled ignored", zap.Uint64("group", uint64(key)), zap.Error(ErrUnknownGroup))
		return
	}
	clients := make([]Client, 0, len(g.members))
	for _, h := range g.members {
		clients = append(clients, h.client)
	}
	c.mu.Unlock()

	for _, client := range clients {
		client.SetPaintingDisabled(disabled)
	}
}

// Current returns the id holding the current-context token.
func (c *Coordinator) Current() ID {
	return ID(c.current.Load())
}

// SurfaceInfo describes one registered surface in a Snapshot.
type SurfaceInfo struct {
	ID            ID            `json:"id"`
	Group         GroupKey      `json:"group"`
	State         State         `json:"state"`
	SyncRequested bool          `json:"syncRequested"`
	Texture       gpu.TextureID `json:"texture"`
}

// GroupInfo describes one view group in a Snapshot.
type GroupInfo struct {
	Key           GroupKey `json:"key"`
	Refs          int      `json:"refs"`
	SyncRequested bool     `json:"syncRequested"`
	Surfaces      []ID     `json:"surfaces"`
}

// Snapshot is a copy of the coordinator's tables.
type Snapshot struct {
	Current  ID            `json:"current"`
	Surfaces []SurfaceInfo `json:"surfaces"`
	Groups   []GroupInfo   `json:"groups"`
}

// Surface returns the entry for id.
func (s Snapshot) Surface(id ID) (SurfaceInfo, bool) {
	for _, info := range s.Surfaces {
		if info.ID == id {
			return info, true
		}
	}
	return SurfaceInfo{}, false
}

// Group returns the entry for key.
func (s Snapshot) Group(key GroupKey) (GroupInfo, bool) {
	for _, info := range s.Groups {
		if info.Key == key {
			return info, true
		}
	}
	return GroupInfo{}, false
}

// Snapshot copies the tables, sorted by id and key.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Current:  c.Current(),
		Surfaces: make([]SurfaceInfo, 0, len(c.handles)),
		Groups:   make([]GroupInfo, 0, len(c.groups)),
	}
	for _, h := range c.handles {
		snap.Surfaces = append(snap.Surfaces, SurfaceInfo{
			ID:            h.id,
			Group:         h.group,
			State:         h.state,
			SyncRequested: h.syncRequested,
			Texture:       h.texture,
		})
	}
	for _, g := range c.groups {
		info := GroupInfo{Key: g.key, Refs: g.refs, SyncRequested: g.syncRequested}
		for id := range g.members {
			info.Surfaces = append(info.Surfaces, id)
		}
		sort.Slice(info.Surfaces, func(i, j int) bool { return info.Surfaces[i] < info.Surfaces[j] })
		snap.Groups = append(snap.Groups, info)
	}
	sort.Slice(snap.Surfaces, func(i, j int) bool { return snap.Surfaces[i].ID < snap.Surfaces[j].ID })
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].Key < snap.Groups[j].Key })
	return snap
}

// Must be called with c.mu held.
func (c *Coordinator) updatePopulation() {
	c.metrics.SetPopulation(len(c.handles), len(c.groups))
}

func (c *Coordinator) reject(op string, id ID, key GroupKey, kind canvaserrors.Kind, err error) error {
	c.logger.Warn("registration rejected", zap.Stringer("surface", id), zap.Error(err))
	c.report(op, id, key, kind, err)
	c.metrics.Registered(diagnostics.OutcomeRejected, 0)
	return err
}

func (c *Coordinator) report(op string, id ID, key GroupKey, kind canvaserrors.Kind, err error) {
	canvaserrors.Report(&canvaserrors.Error{
		Op:      op,
		Kind:    kind,
		Err:     err,
		Surface: int64(id),
		Group:   uint64(key),
	})
}

// IsNotFound reports whether err means an unknown surface or group.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotRegistered) || errors.Is(err, ErrUnknownGroup)
}
