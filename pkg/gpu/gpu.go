// Package gpu defines the platform GPU operations canvassync relies on.
//
// The coordinator and render contexts never call a graphics API directly.
// They go through the interfaces here, which a platform backend (EGL on
// Android, or the software device in gpu/soft) implements. Handles are plain
// integers so they can cross the native bridge unchanged.
package gpu

import (
	"errors"
	"image"
	"image/color"
)

// Context identifies a rendering context. NoContext is the zero value.
type Context uint64

// Surface identifies a presentable window surface. NoSurface is the zero value.
type Surface uint64

// TextureID names the consumer-side texture a window's frames are streamed
// into. NoTexture is the zero value.
type TextureID uint32

const (
	NoContext Context   = 0
	NoSurface Surface   = 0
	NoTexture TextureID = 0
)

var (
	// ErrNotCurrent is returned when commands are issued for a context that
	// is not bound.
	ErrNotCurrent = errors.New("gpu: context not current")

	// ErrUnknownHandle is returned for handles the device did not create or
	// already destroyed.
	ErrUnknownHandle = errors.New("gpu: unknown handle")

	// ErrNoGeometry is returned when a window surface is created before the
	// window has buffer geometry.
	ErrNoGeometry = errors.New("gpu: window has no buffer geometry")
)

// Window is the producer end of a texture stream. The presentation side
// creates it and hands it to the render side, which wraps it in a Surface.
type Window interface {
	// Handle identifies the window across the platform boundary.
	Handle() uint64

	// SetBufferCount sets how many buffers the stream may queue.
	SetBufferCount(n int) error

	// SetBuffersGeometry sets the size of the buffers the producer draws into.
	SetBuffersGeometry(width, height int) error
}

// Binder performs the platform "make current" operation.
type Binder interface {
	// MakeCurrent binds ctx for drawing into s.
	MakeCurrent(s Surface, ctx Context) error

	// ReleaseCurrent unbinds whatever context is current.
	ReleaseCurrent() error
}

// Device is the render-side view of a GPU display.
type Device interface {
	Binder

	// CreateContext creates a rendering context.
	CreateContext() (Context, error)

	// DestroyContext releases a context.
	DestroyContext(ctx Context) error

	// CreateWindowSurface wraps w in a presentable surface whose back buffer
	// is preserved across swaps.
	CreateWindowSurface(w Window) (Surface, error)

	// DestroySurface releases a surface.
	DestroySurface(s Surface) error

	// SwapBuffers publishes the surface's back buffer to the window's
	// consumer.
	SwapBuffers(s Surface) error

	// NewRenderer creates a command renderer for ctx drawing into a
	// width by height render target.
	NewRenderer(ctx Context, width, height int) (Renderer, error)
}

// Renderer issues drawing commands against its context's current surface.
// Every method fails with ErrNotCurrent unless the renderer's context is bound.
type Renderer interface {
	Clear(c color.Color) error
	FillRect(r image.Rectangle, c color.Color) error
	DrawImage(src image.Image, dst image.Rectangle) error
	WritePixels(src image.Image, at image.Point) error
	ReadPixels(dst *image.RGBA) error

	// Flush submits pending commands.
	Flush() error

	// Reset drops cached state after the render target was replaced.
	Reset()

	// Release frees the renderer.
	Release()
}

// StreamFactory is the presentation-side view of a GPU display: it creates
// texture streams whose producer end is handed to a render context.
type StreamFactory interface {
	// CreateStream creates a window and the texture its frames land in.
	CreateStream() (Window, TextureID, error)

	// DestroyStream releases the stream bound to tex.
	DestroyStream(tex TextureID) error
}

// FrameSource exposes the latest frame published into a texture stream.
type FrameSource interface {
	// LatestFrame returns the last swapped frame for tex and its sequence
	// number. ok is false until the first swap.
	LatestFrame(tex TextureID) (frame image.Image, seq uint64, ok bool)
}
