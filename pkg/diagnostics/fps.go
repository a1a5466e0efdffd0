package diagnostics

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-drift/canvassync/pkg/logging"
)

// DefaultSamplePeriod is how often an FPSCounter reports.
const DefaultSamplePeriod = 5 * time.Second

// Role tells which side of a texture stream an FPSCounter measures.
type Role int

const (
	// Producer counts frames swapped by a render context.
	Producer Role = iota
	// Consumer counts frames composited by the presentation side.
	Consumer
)

func (r Role) String() string {
	if r == Consumer {
		return "consumer"
	}
	return "producer"
}

// FPSSample is one report from an FPSCounter.
type FPSSample struct {
	Instant float64
	Average float64
	Frames  uint64
}

// FPSCounter measures the frame rate of one surface. It reports an
// instantaneous and an average rate every sample period.
type FPSCounter struct {
	mu      sync.Mutex
	role    Role
	surface string
	period  time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics

	start       time.Time
	lastSample  time.Time
	total       uint64
	lastSampled uint64
	last        FPSSample
}

// FPSOption configures an FPSCounter.
type FPSOption func(*FPSCounter)

// WithSamplePeriod overrides DefaultSamplePeriod.
func WithSamplePeriod(d time.Duration) FPSOption {
	return func(c *FPSCounter) {
		if d > 0 {
			c.period = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) FPSOption {
	return func(c *FPSCounter) { c.now = now }
}

// WithFPSLogger sets the logger reports are written to.
func WithFPSLogger(l *zap.Logger) FPSOption {
	return func(c *FPSCounter) { c.logger = l }
}

// WithFPSMetrics publishes reports as gauges.
func WithFPSMetrics(m *Metrics) FPSOption {
	return func(c *FPSCounter) { c.metrics = m }
}

// NewFPSCounter creates a counter for the given surface id.
func NewFPSCounter(role Role, surface int64, opts ...FPSOption) *FPSCounter {
	c := &FPSCounter{
		role:    role,
		surface: strconv.FormatInt(surface, 10),
		period:  DefaultSamplePeriod,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Named(c.logger, "fps")
	c.reset()
	return c
}

// FrameProcessed records one frame. A clock that went backwards restarts
// the measurement.
func (c *FPSCounter) FrameProcessed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if t.Before(c.start) {
		c.reset()
		return
	}

	c.total++
	diff := t.Sub(c.lastSample)
	if diff < c.period {
		return
	}

	sample := FPSSample{Frames: c.total}
	if elapsed := t.Sub(c.start); elapsed > 0 {
		sample.Average = float64(c.total) / elapsed.Seconds()
	}
	sample.Instant = float64(c.total-c.lastSampled) / diff.Seconds()
	c.last = sample

	c.logger.Info("fps",
		zap.Stringer("role", c.role),
		zap.String("surface", c.surface),
		zap.Float64("instant", sample.Instant),
		zap.Float64("average", sample.Average))
	c.metrics.setFPS(c.role.String(), c.surface, sample.Instant, sample.Average)

	c.lastSample = t
	c.lastSampled = c.total
}

// Last returns the most recent report.
func (c *FPSCounter) Last() FPSSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Reset restarts the measurement.
func (c *FPSCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *FPSCounter) reset() {
	c.logger.Debug("resetting fps counter", zap.Stringer("role", c.role), zap.String("surface", c.surface))
	c.start = c.now()
	c.lastSample = c.start
	c.total = 0
	c.lastSampled = 0
}
