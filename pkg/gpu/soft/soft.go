// Package soft is a software implementation of the gpu interfaces backed by
// image.RGBA buffers. It enforces the same binding rules as a real display,
// so drawing through a context that is not current fails with
// gpu.ErrNotCurrent. The simulator and the tests use it in place of EGL.
package soft

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/draw"

	"github.com/go-drift/canvassync/pkg/gpu"
)

// Op names a device operation for failure injection.
type Op string

const (
	OpCreateContext       Op = "createContext"
	OpCreateWindowSurface Op = "createWindowSurface"
	OpMakeCurrent         Op = "makeCurrent"
	OpSwapBuffers         Op = "swapBuffers"
	OpCreateStream        Op = "createStream"
	OpSetGeometry         Op = "setBuffersGeometry"
)

// Stats counts device calls. Returned by value from Device.Stats.
type Stats struct {
	MakeCurrent       int
	ReleaseCurrent    int
	Swaps             int
	Flushes           int
	ContextsCreated   int
	ContextsDestroyed int
	SurfacesCreated   int
	SurfacesDestroyed int
	StreamsCreated    int
}

type surfaceState struct {
	win  *Window
	back *image.RGBA
}

// Device is a software display. It implements gpu.Device, gpu.StreamFactory
// and gpu.FrameSource. All methods are safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	next     uint64
	contexts map[gpu.Context]struct{}
	surfaces map[gpu.Surface]*surfaceState
	streams  map[gpu.TextureID]*Window

	currentCtx     gpu.Context
	currentSurface gpu.Surface

	failures map[Op]error
	stats    Stats
}

// New creates an empty software display.
func New() *Device {
	return &Device{
		contexts: make(map[gpu.Context]struct{}),
		surfaces: make(map[gpu.Surface]*surfaceState),
		streams:  make(map[gpu.TextureID]*Window),
		failures: make(map[Op]error),
	}
}

// FailNext makes the next call of op return err.
func (d *Device) FailNext(op Op, err error) {
	d.mu.Lock()
	d.failures[op] = err
	d.mu.Unlock()
}

// Stats returns a snapshot of the call counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Current returns the bound surface and context.
func (d *Device) Current() (gpu.Surface, gpu.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentSurface, d.currentCtx
}

func (d *Device) takeFailure(op Op) error {
	err, ok := d.failures[op]
	if ok {
		delete(d.failures, op)
	}
	return err
}

func (d *Device) nextHandle() uint64 {
	d.next++
	return d.next
}

// CreateContext implements gpu.Device.
func (d *Device) CreateContext() (gpu.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpCreateContext); err != nil {
		return gpu.NoContext, err
	}
	ctx := gpu.Context(d.nextHandle())
	d.contexts[ctx] = struct{}{}
	d.stats.ContextsCreated++
	return ctx, nil
}

// DestroyContext implements gpu.Device.
func (d *Device) DestroyContext(ctx gpu.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[ctx]; !ok {
		return fmt.Errorf("destroy context %d: %w", ctx, gpu.ErrUnknownHandle)
	}
	delete(d.contexts, ctx)
	if d.currentCtx == ctx {
		d.currentCtx, d.currentSurface = gpu.NoContext, gpu.NoSurface
	}
	d.stats.ContextsDestroyed++
	return nil
}

// CreateWindowSurface implements gpu.Device.
func (d *Device) CreateWindowSurface(w gpu.Window) (gpu.Surface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpCreateWindowSurface); err != nil {
		return gpu.NoSurface, err
	}
	win, ok := w.(*Window)
	if !ok || win.dev != d {
		return gpu.NoSurface, fmt.Errorf("create window surface: %w", gpu.ErrUnknownHandle)
	}
	if win.width <= 0 || win.height <= 0 {
		return gpu.NoSurface, gpu.ErrNoGeometry
	}
	s := gpu.Surface(d.nextHandle())
	d.surfaces[s] = &surfaceState{win: win, back: image.NewRGBA(image.Rect(0, 0, win.width, win.height))}
	d.stats.SurfacesCreated++
	return s, nil
}

// DestroySurface implements gpu.Device.
func (d *Device) DestroySurface(s gpu.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.surfaces[s]; !ok {
		return fmt.Errorf("destroy surface %d: %w", s, gpu.ErrUnknownHandle)
	}
	delete(d.surfaces, s)
	if d.currentSurface == s {
		d.currentSurface = gpu.NoSurface
	}
	d.stats.SurfacesDestroyed++
	return nil
}

// MakeCurrent implements gpu.Binder.
func (d *Device) MakeCurrent(s gpu.Surface, ctx gpu.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.MakeCurrent++
	if err := d.takeFailure(OpMakeCurrent); err != nil {
		return err
	}
	if _, ok := d.contexts[ctx]; !ok {
		return fmt.Errorf("make current: context %d: %w", ctx, gpu.ErrUnknownHandle)
	}
	if _, ok := d.surfaces[s]; !ok {
		return fmt.Errorf("make current: surface %d: %w", s, gpu.ErrUnknownHandle)
	}
	d.currentCtx, d.currentSurface = ctx, s
	return nil
}

// ReleaseCurrent implements gpu.Binder.
func (d *Device) ReleaseCurrent() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.ReleaseCurrent++
	d.currentCtx, d.currentSurface = gpu.NoContext, gpu.NoSurface
	return nil
}

// SwapBuffers implements gpu.Device. The back buffer is preserved and a
// copy is published as the window's latest frame.
func (d *Device) SwapBuffers(s gpu.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpSwapBuffers); err != nil {
		return err
	}
	st, ok := d.surfaces[s]
	if !ok {
		return fmt.Errorf("swap buffers %d: %w", s, gpu.ErrUnknownHandle)
	}
	back := st.backBuffer()
	frame := image.NewRGBA(back.Bounds())
	draw.Copy(frame, image.Point{}, back, back.Bounds(), draw.Src, nil)
	st.win.front = frame
	st.win.seq++
	d.stats.Swaps++
	return nil
}

// backBuffer returns the back buffer, reallocating it when the window's
// geometry changed. Existing content is kept where it still fits.
func (st *surfaceState) backBuffer() *image.RGBA {
	want := image.Rect(0, 0, st.win.width, st.win.height)
	if st.back.Bounds() != want {
		resized := image.NewRGBA(want)
		draw.Copy(resized, image.Point{}, st.back, st.back.Bounds(), draw.Src, nil)
		st.back = resized
	}
	return st.back
}

// NewRenderer implements gpu.Device.
func (d *Device) NewRenderer(ctx gpu.Context, width, height int) (gpu.Renderer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[ctx]; !ok {
		return nil, fmt.Errorf("new renderer: context %d: %w", ctx, gpu.ErrUnknownHandle)
	}
	return &renderer{dev: d, ctx: ctx, bounds: image.Rect(0, 0, width, height)}, nil
}

// CreateStream implements gpu.StreamFactory.
func (d *Device) CreateStream() (gpu.Window, gpu.TextureID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure(OpCreateStream); err != nil {
		return nil, gpu.NoTexture, err
	}
	h := d.nextHandle()
	win := &Window{dev: d, handle: h, tex: gpu.TextureID(h)}
	d.streams[win.tex] = win
	d.stats.StreamsCreated++
	return win, win.tex, nil
}

// DestroyStream implements gpu.StreamFactory.
func (d *Device) DestroyStream(tex gpu.TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.streams[tex]; !ok {
		return fmt.Errorf("destroy stream %d: %w", tex, gpu.ErrUnknownHandle)
	}
	delete(d.streams, tex)
	return nil
}

// LatestFrame implements gpu.FrameSource.
func (d *Device) LatestFrame(tex gpu.TextureID) (image.Image, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	win, ok := d.streams[tex]
	if !ok || win.front == nil {
		return nil, 0, false
	}
	return win.front, win.seq, true
}

// Window is a software texture stream producer.
type Window struct {
	dev    *Device
	handle uint64
	tex    gpu.TextureID

	bufferCount   int
	width, height int
	front         *image.RGBA
	seq           uint64
}

// Handle implements gpu.Window.
func (w *Window) Handle() uint64 { return w.handle }

// Texture returns the consumer texture the window streams into.
func (w *Window) Texture() gpu.TextureID { return w.tex }

// SetBufferCount implements gpu.Window.
func (w *Window) SetBufferCount(n int) error {
	if n < 1 {
		return fmt.Errorf("buffer count %d out of range", n)
	}
	w.dev.mu.Lock()
	w.bufferCount = n
	w.dev.mu.Unlock()
	return nil
}

// BufferCount reports the configured buffer count.
func (w *Window) BufferCount() int {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	return w.bufferCount
}

// SetBuffersGeometry implements gpu.Window.
func (w *Window) SetBuffersGeometry(width, height int) error {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if err := w.dev.takeFailure(OpSetGeometry); err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("buffers geometry %dx%d out of range", width, height)
	}
	w.width, w.height = width, height
	return nil
}

type renderer struct {
	dev      *Device
	ctx      gpu.Context
	bounds   image.Rectangle
	pending  int
	released bool
}

// target returns the current back buffer. Must be called with dev.mu held.
func (r *renderer) target() (*image.RGBA, error) {
	if r.released || r.dev.currentCtx != r.ctx {
		return nil, gpu.ErrNotCurrent
	}
	st, ok := r.dev.surfaces[r.dev.currentSurface]
	if !ok {
		return nil, gpu.ErrNotCurrent
	}
	return st.backBuffer(), nil
}

func (r *renderer) do(fn func(dst *image.RGBA)) error {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	dst, err := r.target()
	if err != nil {
		return err
	}
	fn(dst)
	r.pending++
	return nil
}

func (r *renderer) Clear(c color.Color) error {
	return r.do(func(dst *image.RGBA) {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	})
}

func (r *renderer) FillRect(rect image.Rectangle, c color.Color) error {
	return r.do(func(dst *image.RGBA) {
		draw.Draw(dst, rect.Intersect(r.bounds), image.NewUniform(c), image.Point{}, draw.Over)
	})
}

func (r *renderer) DrawImage(src image.Image, dst image.Rectangle) error {
	return r.do(func(target *image.RGBA) {
		draw.ApproxBiLinear.Scale(target, dst, src, src.Bounds(), draw.Over, nil)
	})
}

func (r *renderer) WritePixels(src image.Image, at image.Point) error {
	return r.do(func(dst *image.RGBA) {
		draw.Copy(dst, at, src, src.Bounds(), draw.Src, nil)
	})
}

func (r *renderer) ReadPixels(dst *image.RGBA) error {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	src, err := r.target()
	if err != nil {
		return err
	}
	draw.Copy(dst, dst.Bounds().Min, src, src.Bounds(), draw.Src, nil)
	return nil
}

func (r *renderer) Flush() error {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	if r.released {
		return gpu.ErrNotCurrent
	}
	r.pending = 0
	r.dev.stats.Flushes++
	return nil
}

func (r *renderer) Reset() {
	r.dev.mu.Lock()
	r.pending = 0
	r.dev.mu.Unlock()
}

func (r *renderer) Release() {
	r.dev.mu.Lock()
	r.released = true
	r.dev.mu.Unlock()
}
