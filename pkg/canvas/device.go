package canvas

import (
	"image"
	"image/color"

	"github.com/go-drift/canvassync/pkg/gpu"
)

// Device issues drawing commands for a RenderContext. Every call makes the
// context current first. Once the number of draw calls since the last
// present reaches the context's max draw count, a pending frame is
// presented immediately.
//
// Methods return ErrNotAccelerated after the context was cleared.
type Device struct {
	rc       *RenderContext
	renderer gpu.Renderer

	// drawCount is guarded by rc.mu.
	drawCount int
}

func newDevice(rc *RenderContext, r gpu.Renderer) *Device {
	return &Device{rc: rc, renderer: r}
}

func (d *Device) Clear(c color.Color) error {
	return d.counting(func(r gpu.Renderer) error { return r.Clear(c) })
}

func (d *Device) FillRect(rect image.Rectangle, c color.Color) error {
	return d.counting(func(r gpu.Renderer) error { return r.FillRect(rect, c) })
}

func (d *Device) DrawImage(src image.Image, dst image.Rectangle) error {
	return d.counting(func(r gpu.Renderer) error { return r.DrawImage(src, dst) })
}

func (d *Device) WritePixels(src image.Image, at image.Point) error {
	return d.call(func(r gpu.Renderer) error { return r.WritePixels(src, at) })
}

func (d *Device) ReadPixels(dst *image.RGBA) error {
	return d.call(func(r gpu.Renderer) error { return r.ReadPixels(dst) })
}

func (d *Device) Flush() error {
	return d.call(func(r gpu.Renderer) error { return r.Flush() })
}

// DrawCount returns the draw calls issued since the last present.
func (d *Device) DrawCount() int {
	d.rc.mu.Lock()
	defer d.rc.mu.Unlock()
	return d.drawCount
}

func (d *Device) call(fn func(gpu.Renderer) error) error {
	return d.rc.run(func() error {
		if !d.live() {
			return ErrNotAccelerated
		}
		return fn(d.renderer)
	})
}

func (d *Device) counting(fn func(gpu.Renderer) error) error {
	return d.rc.run(func() error {
		if !d.live() {
			return ErrNotAccelerated
		}
		if err := fn(d.renderer); err != nil {
			return err
		}
		d.rc.mu.Lock()
		d.drawCount++
		force := d.drawCount >= d.rc.maxDrawCount
		d.rc.mu.Unlock()
		if force {
			d.rc.present(true)
		}
		return nil
	})
}

// live reports whether d is still the context's device.
func (d *Device) live() bool {
	d.rc.mu.Lock()
	defer d.rc.mu.Unlock()
	return d.rc.device == d
}
