// Package canvas implements render contexts for accelerated 2D canvases.
//
// A RenderContext owns one GPU context and the window surface its frames
// are presented into. It registers with a surface.Coordinator to obtain the
// window, routes every GPU call through the coordinator so contexts never
// interleave, and requests a sync once per frame when it is drawn into.
//
// Locking: RenderContext.mu is always the innermost lock. Work that touches
// the binding runs inside Coordinator.RunCurrent or ReleaseCurrent and takes
// mu from there, never the other way round.
package canvas

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"go.uber.org/zap"

	"github.com/go-drift/canvassync/pkg/diagnostics"
	canvaserrors "github.com/go-drift/canvassync/pkg/errors"
	"github.com/go-drift/canvassync/pkg/gpu"
	"github.com/go-drift/canvassync/pkg/logging"
	"github.com/go-drift/canvassync/pkg/surface"
)

const (
	// DefaultMaxDrawCount is the number of draw calls after which a pending
	// frame is presented without waiting for the next sync.
	DefaultMaxDrawCount = 1000

	// DefaultBufferCount is the number of buffers requested for each window.
	DefaultBufferCount = 5
)

// ErrNotAccelerated is returned for GPU work on a context that has no
// window surface.
var ErrNotAccelerated = errors.New("canvas: not accelerated")

// Element is the canvas a RenderContext draws for.
type Element interface {
	// HostView returns the view the canvas is drawn into, or nil if it is
	// detached.
	HostView() surface.HostView

	// Size returns the canvas size in pixels.
	Size() (width, height int)
}

// Option configures a RenderContext.
type Option func(*RenderContext)

// WithMaxDrawCount overrides DefaultMaxDrawCount.
func WithMaxDrawCount(n int) Option {
	return func(rc *RenderContext) {
		if n > 0 {
			rc.maxDrawCount = n
		}
	}
}

// WithBufferCount overrides DefaultBufferCount.
func WithBufferCount(n int) Option {
	return func(rc *RenderContext) {
		if n > 0 {
			rc.bufferCount = n
		}
	}
}

// WithFPSCounter counts presented frames.
func WithFPSCounter(c *diagnostics.FPSCounter) Option {
	return func(rc *RenderContext) { rc.fps = c }
}

// WithFPS counts presented frames with a producer counter labelled with
// the context's surface id.
func WithFPS(opts ...diagnostics.FPSOption) Option {
	return func(rc *RenderContext) { rc.fpsOpts = append([]diagnostics.FPSOption{}, opts...) }
}

// WithLayer publishes assigned textures to l.
func WithLayer(l *Layer) Option {
	return func(rc *RenderContext) { rc.layer = l }
}

// WithLogger sets the logger. Defaults to logging.L().
func WithLogger(l *zap.Logger) Option {
	return func(rc *RenderContext) { rc.logger = l }
}

// WithMetrics records forced presents in m.
func WithMetrics(m *diagnostics.Metrics) Option {
	return func(rc *RenderContext) { rc.metrics = m }
}

// RenderContext is the render side of one accelerated canvas. It
// implements surface.Client.
type RenderContext struct {
	coord        *surface.Coordinator
	dev          gpu.Device
	id           surface.ID
	maxDrawCount int
	bufferCount  int
	fps          *diagnostics.FPSCounter
	fpsOpts      []diagnostics.FPSOption
	layer        *Layer
	logger       *zap.Logger
	metrics      *diagnostics.Metrics

	mu            sync.Mutex
	host          surface.HostView
	width, height int
	ctx           gpu.Context
	window        gpu.Window
	surf          gpu.Surface
	device        *Device

	registered       bool
	waitingForSync   bool
	paintingDisabled bool
	initialized      bool
}

// New creates a render context and its GPU context. A context creation
// failure is logged and retried by the next Reset.
func New(coord *surface.Coordinator, dev gpu.Device, opts ...Option) *RenderContext {
	rc := &RenderContext{
		coord:        coord,
		dev:          dev,
		id:           surface.NextID(),
		maxDrawCount: DefaultMaxDrawCount,
		bufferCount:  DefaultBufferCount,
		width:        -1,
		height:       -1,
	}
	for _, opt := range opts {
		opt(rc)
	}
	if rc.fps == nil && rc.fpsOpts != nil {
		rc.fps = diagnostics.NewFPSCounter(diagnostics.Producer, int64(rc.id), rc.fpsOpts...)
	}
	rc.logger = logging.Named(rc.logger, "canvas").With(zap.Stringer("surface", rc.id))

	rc.mu.Lock()
	rc.initContextLocked()
	rc.mu.Unlock()
	return rc
}

func (rc *RenderContext) initContextLocked() error {
	if rc.ctx != gpu.NoContext {
		return nil
	}
	ctx, err := rc.dev.CreateContext()
	if err != nil {
		err = fmt.Errorf("create context: %w", err)
		rc.logger.Error("context creation failed", zap.Error(err))
		canvaserrors.Report(&canvaserrors.Error{
			Op:      "canvas.initContext",
			Kind:    canvaserrors.KindInit,
			Err:     err,
			Surface: int64(rc.id),
		})
		return err
	}
	rc.ctx = ctx
	return nil
}

// ID returns the surface id the context registers under.
func (rc *RenderContext) ID() surface.ID { return rc.id }

// Size returns the current geometry, or -1, -1 before the first Reset.
func (rc *RenderContext) Size() (width, height int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.width, rc.height
}

// Accelerated reports whether Attach completed and drawing goes to the GPU.
func (rc *RenderContext) Accelerated() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.initialized
}

// Reset binds the context to el.
//
// If el moved to a different host view everything is torn down and rebuilt.
// If the size is unchanged Reset does nothing. Otherwise the draw device is
// dropped and the context registers on first use, or re-applies the buffer
// geometry to its existing window. Reset reports whether the context has a
// window surface. A caller that gets false draws unaccelerated and may call
// Reset again later.
func (rc *RenderContext) Reset(el Element) (bool, error) {
	if el == nil {
		return false, nil
	}
	host := el.HostView()

	rc.mu.Lock()
	if rc.host != nil && !sameHost(rc.host, host) {
		rc.mu.Unlock()
		rc.logger.Debug("host view changed")
		rc.Clear()
		return rc.Reset(el)
	}
	rc.host = host

	width, height := el.Size()
	if width == rc.width && height == rc.height {
		hasSurface := rc.surf != gpu.NoSurface
		rc.mu.Unlock()
		return hasSurface, nil
	}

	if err := rc.initContextLocked(); err != nil {
		rc.mu.Unlock()
		rc.Clear()
		return false, err
	}
	rc.width, rc.height = width, height
	registered := rc.registered
	rc.registered = true
	rc.mu.Unlock()

	// Drop the draw device; Attach recreates it at the new size.
	rc.coord.ReleaseCurrent(rc.id, func() {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		rc.releaseDeviceLocked()
	})

	if !registered {
		err := rc.coord.Register(rc.id, rc)
		rc.mu.Lock()
		defer rc.mu.Unlock()
		if errors.Is(err, surface.ErrNilClient) || errors.Is(err, surface.ErrNoHostView) ||
			errors.Is(err, surface.ErrAlreadyRegistered) || errors.Is(err, surface.ErrNotRegistered) {
			rc.registered = false
		}
		if rc.surf == gpu.NoSurface {
			if err == nil {
				err = ErrNotAccelerated
			}
			return false, err
		}
		return true, nil
	}

	if err := rc.setupWindowSurface(nil); err != nil {
		return false, err
	}
	return true, nil
}

func sameHost(a, b surface.HostView) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Key() == b.Key()
}

// HostView implements surface.Client.
func (rc *RenderContext) HostView() surface.HostView {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.host
}

// Binding implements surface.Client.
func (rc *RenderContext) Binding() (gpu.Surface, gpu.Context, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.surf, rc.ctx, rc.surf != gpu.NoSurface && rc.ctx != gpu.NoContext
}

// SurfaceAssigned implements surface.Client. It creates a window surface
// for w and publishes tex to the layer.
func (rc *RenderContext) SurfaceAssigned(w gpu.Window, tex gpu.TextureID) {
	if w == nil || tex == gpu.NoTexture {
		rc.logger.Warn("surface assigned with invalid arguments")
		return
	}
	if err := rc.setupWindowSurface(w); err != nil {
		rc.logger.Error("window surface setup failed", zap.Error(err))
		canvaserrors.Report(&canvaserrors.Error{
			Op:      "canvas.SurfaceAssigned",
			Kind:    canvaserrors.KindPlatform,
			Err:     err,
			Surface: int64(rc.id),
		})
		return
	}
	if rc.layer != nil {
		rc.layer.SetTexture(tex)
	}
}

// setupWindowSurface applies the buffer geometry to w, or to the current
// window if w is nil, and creates a window surface if a new window was
// given or none exists yet.
func (rc *RenderContext) setupWindowSurface(w gpu.Window) error {
	var err error
	rc.coord.ReleaseCurrent(rc.id, func() {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		err = rc.setupWindowSurfaceLocked(w)
	})
	return err
}

func (rc *RenderContext) setupWindowSurfaceLocked(w gpu.Window) error {
	if w != nil {
		rc.window = w
		if err := w.SetBufferCount(rc.bufferCount); err != nil {
			return fmt.Errorf("set buffer count: %w", err)
		}
	}
	if rc.window == nil {
		return ErrNotAccelerated
	}
	if err := rc.window.SetBuffersGeometry(rc.width, rc.height); err != nil {
		return fmt.Errorf("set buffers geometry %dx%d: %w", rc.width, rc.height, err)
	}
	if w == nil && rc.surf != gpu.NoSurface {
		return nil
	}
	if rc.surf != gpu.NoSurface {
		rc.logger.Debug("destroying previous window surface")
		rc.dev.DestroySurface(rc.surf)
		rc.surf = gpu.NoSurface
	}
	s, err := rc.dev.CreateWindowSurface(rc.window)
	if err != nil {
		return fmt.Errorf("create window surface: %w", err)
	}
	rc.surf = s
	return nil
}

// Attach creates the draw device, starts with an empty frame and marks the
// context accelerated. On failure the context is cleared.
func (rc *RenderContext) Attach() (*Device, error) {
	var d *Device
	err := rc.run(func() error {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		if rc.device == nil {
			r, err := rc.dev.NewRenderer(rc.ctx, rc.width, rc.height)
			if err != nil {
				return fmt.Errorf("new renderer: %w", err)
			}
			rc.device = newDevice(rc, r)
		}
		rc.device.renderer.Reset()
		if err := rc.device.renderer.Clear(color.Transparent); err != nil {
			return err
		}
		if err := rc.dev.SwapBuffers(rc.surf); err != nil {
			return fmt.Errorf("swap buffers: %w", err)
		}
		rc.paintingDisabled = false
		rc.initialized = true
		d = rc.device
		return nil
	})
	if err != nil {
		rc.logger.Error("attach failed", zap.Error(err))
		rc.Clear()
		return nil, err
	}
	return d, nil
}

// MarkDirty requests a sync for the next frame. Further calls before the
// frame is presented do nothing, as do calls while unregistered, before
// Attach or with painting disabled.
func (rc *RenderContext) MarkDirty(r image.Rectangle) {
	rc.mu.Lock()
	if !rc.registered || rc.device == nil {
		rc.mu.Unlock()
		rc.logger.Debug("mark dirty: unable to request sync")
		return
	}
	if rc.waitingForSync || rc.paintingDisabled {
		rc.mu.Unlock()
		return
	}
	rc.waitingForSync = true
	rc.mu.Unlock()

	if err := rc.coord.RequestSync(rc.id); err != nil {
		rc.mu.Lock()
		rc.waitingForSync = false
		rc.mu.Unlock()
		if surface.IsNotFound(err) {
			rc.logger.Debug("sync request ignored", zap.Error(err))
			return
		}
		rc.logger.Warn("sync request failed", zap.Error(err))
	}
}

// EnsureCurrent makes the context current. It does nothing without a
// window surface.
func (rc *RenderContext) EnsureCurrent() error {
	rc.mu.Lock()
	s, ctx := rc.surf, rc.ctx
	rc.mu.Unlock()
	if s == gpu.NoSurface || ctx == gpu.NoContext {
		return nil
	}
	return rc.coord.EnsureCurrent(rc.id, s, ctx)
}

// run makes the context current and runs fn before any other context can
// be bound.
func (rc *RenderContext) run(fn func() error) error {
	rc.mu.Lock()
	s, ctx := rc.surf, rc.ctx
	rc.mu.Unlock()
	if s == gpu.NoSurface || ctx == gpu.NoContext {
		return ErrNotAccelerated
	}
	return rc.coord.RunCurrent(rc.id, s, ctx, fn)
}

// Present implements surface.Client. It flushes and swaps if a frame is
// pending. The coordinator calls it with this context current.
func (rc *RenderContext) Present() {
	rc.present(false)
}

func (rc *RenderContext) present(forced bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.waitingForSync {
		return
	}
	if rc.device == nil || rc.surf == gpu.NoSurface {
		// The pending frame was dropped with the device.
		rc.waitingForSync = false
		return
	}
	if err := rc.device.renderer.Flush(); err != nil {
		rc.logger.Warn("flush failed", zap.Error(err))
	}
	if err := rc.dev.SwapBuffers(rc.surf); err != nil {
		rc.logger.Error("swap buffers failed", zap.Error(err))
		canvaserrors.Report(&canvaserrors.Error{
			Op:      "canvas.Present",
			Kind:    canvaserrors.KindPlatform,
			Err:     err,
			Surface: int64(rc.id),
		})
	}
	rc.waitingForSync = false
	rc.device.drawCount = 0
	rc.fps.FrameProcessed()
	if forced {
		rc.metrics.ForcedPresent()
	}
}

// SetPaintingDisabled implements surface.Client.
func (rc *RenderContext) SetPaintingDisabled(disabled bool) {
	rc.mu.Lock()
	rc.paintingDisabled = disabled
	rc.mu.Unlock()
	rc.logger.Debug("painting disabled changed", zap.Bool("disabled", disabled))
}

// PaintingDisabled reports whether drawing is frozen.
func (rc *RenderContext) PaintingDisabled() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.paintingDisabled
}

// ReadbackToSoftware copies the GPU pixels into dst and presents them.
// It does nothing before Attach.
func (rc *RenderContext) ReadbackToSoftware(dst *image.RGBA) error {
	if !rc.Accelerated() {
		return nil
	}
	return rc.run(func() error {
		rc.mu.Lock()
		d := rc.device
		rc.mu.Unlock()
		if d == nil {
			return ErrNotAccelerated
		}
		if err := d.renderer.ReadPixels(dst); err != nil {
			return fmt.Errorf("read pixels: %w", err)
		}
		rc.mu.Lock()
		rc.waitingForSync = true
		rc.mu.Unlock()
		rc.present(false)
		return nil
	})
}

// Clear releases every GPU resource, deregisters and forgets the geometry.
// The context can be Reset again afterwards.
func (rc *RenderContext) Clear() {
	rc.coord.ReleaseCurrent(rc.id, func() {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		rc.releaseDeviceLocked()
		rc.window = nil
		if rc.surf != gpu.NoSurface {
			if err := rc.dev.DestroySurface(rc.surf); err != nil {
				rc.logger.Warn("destroy surface failed", zap.Error(err))
			}
			rc.surf = gpu.NoSurface
		}
		if rc.ctx != gpu.NoContext {
			if err := rc.dev.DestroyContext(rc.ctx); err != nil {
				rc.logger.Warn("destroy context failed", zap.Error(err))
			}
			rc.ctx = gpu.NoContext
		}
	})
	if rc.layer != nil {
		rc.layer.SetTexture(gpu.NoTexture)
	}

	rc.mu.Lock()
	registered := rc.registered
	rc.registered = false
	rc.waitingForSync = false
	rc.host = nil
	rc.width, rc.height = -1, -1
	rc.mu.Unlock()

	if registered {
		rc.coord.Deregister(rc.id)
	}
}

func (rc *RenderContext) releaseDeviceLocked() {
	if rc.device != nil {
		rc.device.renderer.Release()
		rc.device = nil
	}
	rc.initialized = false
	rc.waitingForSync = false
}
