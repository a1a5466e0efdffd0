package canvas

import (
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/go-drift/canvassync/pkg/diagnostics"
	"github.com/go-drift/canvassync/pkg/gpu"
)

// Layer is the presentation-side half of a canvas. The render side
// publishes the texture its frames stream into. The compositor reads it
// and draws the latest frame.
type Layer struct {
	mu      sync.Mutex
	texture gpu.TextureID
	content image.Rectangle
	bounds  image.Rectangle
	fps     *diagnostics.FPSCounter
}

// NewLayer creates a layer covering bounds. fps may be nil.
func NewLayer(bounds image.Rectangle, fps *diagnostics.FPSCounter) *Layer {
	return &Layer{bounds: bounds, fps: fps}
}

// SetTexture publishes the texture to composite. gpu.NoTexture hides the
// canvas.
func (l *Layer) SetTexture(tex gpu.TextureID) {
	l.mu.Lock()
	l.texture = tex
	l.mu.Unlock()
}

// Texture returns the published texture.
func (l *Layer) Texture() gpu.TextureID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.texture
}

// SetContentRect sets where the canvas is drawn within the layer. An empty
// rect means the whole layer.
func (l *Layer) SetContentRect(r image.Rectangle) {
	l.mu.Lock()
	l.content = r
	l.mu.Unlock()
}

// SetFPSCounter replaces the consumer frame counter. c may be nil.
func (l *Layer) SetFPSCounter(c *diagnostics.FPSCounter) {
	l.mu.Lock()
	l.fps = c
	l.mu.Unlock()
}

// SetBounds moves or resizes the layer.
func (l *Layer) SetBounds(r image.Rectangle) {
	l.mu.Lock()
	l.bounds = r
	l.mu.Unlock()
}

// Rect returns the destination rectangle of the canvas.
func (l *Layer) Rect() image.Rectangle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rect()
}

func (l *Layer) rect() image.Rectangle {
	if l.content.Empty() {
		return l.bounds
	}
	return l.content
}

// Composite draws the latest frame streamed into the layer's texture onto
// dst. It returns false if no texture is published or nothing was swapped
// into it yet.
func (l *Layer) Composite(dst draw.Image, frames gpu.FrameSource) bool {
	l.mu.Lock()
	tex, r, fps := l.texture, l.rect(), l.fps
	l.mu.Unlock()

	if tex == gpu.NoTexture {
		return false
	}
	frame, _, ok := frames.LatestFrame(tex)
	if !ok {
		return false
	}
	if fb := frame.Bounds(); fb.Dx() == r.Dx() && fb.Dy() == r.Dy() {
		draw.Draw(dst, r, frame, fb.Min, draw.Over)
	} else {
		draw.ApproxBiLinear.Scale(dst, r, frame, fb, draw.Over, nil)
	}
	fps.FrameProcessed()
	return true
}
