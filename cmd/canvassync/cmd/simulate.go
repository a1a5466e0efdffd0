package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-drift/canvassync/pkg/canvas"
	"github.com/go-drift/canvassync/pkg/config"
	"github.com/go-drift/canvassync/pkg/diagnostics"
	canvaserrors "github.com/go-drift/canvassync/pkg/errors"
	"github.com/go-drift/canvassync/pkg/gpu/soft"
	"github.com/go-drift/canvassync/pkg/logging"
	"github.com/go-drift/canvassync/pkg/presenter"
	"github.com/go-drift/canvassync/pkg/surface"
)

type simulateOptions struct {
	Dir         string        `short:"C" long:"dir" default:"." description:"directory containing canvassync.yaml"`
	Canvases    int           `short:"n" long:"canvases" default:"4" description:"number of canvases"`
	Views       int           `short:"g" long:"views" default:"2" description:"number of host views the canvases are spread over"`
	Frames      int           `short:"f" long:"frames" default:"120" description:"frames drawn by each canvas"`
	Interval    time.Duration `long:"interval" default:"16ms" description:"delay between frames"`
	Size        int           `long:"size" default:"64" description:"canvas width and height in pixels"`
	MetricsAddr string        `long:"metrics-addr" description:"serve /metrics, /health and /surfaces here (overrides the config file)"`
	Hold        time.Duration `long:"hold" description:"keep the diagnostics server up this long after the run"`
}

func init() {
	RegisterCommand(&Command{
		Name:  "simulate",
		Short: "Drive canvases against an in-process presenter",
		Long: `Run a number of canvases on the software GPU.

Each canvas draws on its own goroutine and requests a sync per frame. An
in-process presenter, running on a single locked thread, supplies the
surfaces, performs the syncs and composites every host view.

Example:
  canvassync simulate -n 8 -g 3 --frames 300 --metrics-addr 127.0.0.1:9464`,
		Usage: "canvassync simulate [flags]",
		Run:   runWith(runSimulate),
	})
}

func runSimulate(args []string) error {
	var opts simulateOptions
	if _, err := parseFlags("simulate", &opts, args); err != nil {
		return err
	}
	if opts.Canvases < 1 || opts.Views < 1 || opts.Size < 1 || opts.Frames < 0 || opts.Interval <= 0 {
		return fmt.Errorf("canvases, views, size and interval must be positive")
	}

	cfg, err := config.Resolve(opts.Dir)
	if err != nil {
		return err
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}

	logger := logging.New(cfg.Logging)
	defer func() { _ = logger.Sync() }()
	logging.SetLogger(logger)
	canvaserrors.SetHandler(&canvaserrors.LogHandler{Logger: logger.Named("errors")})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sim := newSimulation(cfg, opts, logger)
	defer sim.Close()

	if cfg.MetricsAddr != "" {
		addr, err := sim.Serve(cfg.MetricsAddr)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "diagnostics on http://%s\n", addr)
	}

	res, err := sim.Run(ctx)
	if err != nil {
		return err
	}
	res.print()

	if sim.server != nil && opts.Hold > 0 {
		select {
		case <-time.After(opts.Hold):
		case <-ctx.Done():
		}
	}
	return nil
}

// simulation wires a coordinator, an in-process presenter and the software
// GPU together.
type simulation struct {
	cfg    *config.Resolved
	opts   simulateOptions
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *diagnostics.Metrics
	dev      *soft.Device
	loop     *presenter.Loop
	host     *presenter.Host
	coord    *surface.Coordinator
	server   *diagnostics.Server

	// Owned by the loop.
	targets    map[surface.GroupKey]*image.RGBA
	composites map[surface.GroupKey]int

	unaccelerated atomic.Int64
}

func newSimulation(cfg *config.Resolved, opts simulateOptions, logger *zap.Logger) *simulation {
	s := &simulation{
		cfg:        cfg,
		opts:       opts,
		logger:     logger.Named("simulate"),
		registry:   prometheus.NewRegistry(),
		dev:        soft.New(),
		targets:    make(map[surface.GroupKey]*image.RGBA),
		composites: make(map[surface.GroupKey]int),
	}
	s.metrics = diagnostics.NewMetrics(s.registry)
	s.loop = presenter.NewLoop(logger)
	s.loop.InstallDispatch()
	s.host = presenter.NewHost(s.loop, s.dev, s.dev, logger)
	s.coord = surface.New(s.host, s.dev,
		surface.WithRegisterTimeout(cfg.RegisterTimeout),
		surface.WithLogger(logger),
		surface.WithMetrics(s.metrics))
	s.host.Bind(s.coord)

	slots := (opts.Canvases + opts.Views - 1) / opts.Views
	for v := 0; v < opts.Views; v++ {
		s.targets[groupKey(v)] = image.NewRGBA(image.Rect(0, 0, slots*opts.Size, opts.Size))
	}
	s.host.OnSync(func(key surface.GroupKey) {
		if dst, ok := s.targets[key]; ok && s.host.Compose(key, dst) > 0 {
			s.composites[key]++
		}
	})
	return s
}

func groupKey(view int) surface.GroupKey { return surface.GroupKey(view + 1) }

// Serve starts the diagnostics server and returns its address.
func (s *simulation) Serve(addr string) (string, error) {
	s.server = diagnostics.NewServer(s.registry, func() any { return s.coord.Snapshot() }, s.logger)
	return s.server.Start(addr)
}

// Run renders every canvas and waits for the presenter to go idle.
func (s *simulation) Run(ctx context.Context) (*simulationResult, error) {
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Canvases; i++ {
		i := i
		g.Go(func() error { return s.render(ctx, i) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	res := &simulationResult{
		Elapsed:       time.Since(start),
		Canvases:      s.opts.Canvases,
		Frames:        s.opts.Frames,
		Unaccelerated: int(s.unaccelerated.Load()),
		Composites:    make(map[surface.GroupKey]int),
	}
	if err := s.loop.Sync(func() {
		for k, n := range s.composites {
			res.Composites[k] = n
		}
	}); err != nil {
		return nil, err
	}
	res.Remaining = len(s.coord.Snapshot().Surfaces)
	return res, nil
}

type simElement struct {
	key  surface.GroupKey
	size int
}

func (e simElement) HostView() surface.HostView { return e }
func (e simElement) Key() surface.GroupKey      { return e.key }
func (e simElement) Size() (int, int)           { return e.size, e.size }

func (s *simulation) render(ctx context.Context, i int) error {
	view, slot := i%s.opts.Views, i/s.opts.Views
	el := simElement{key: groupKey(view), size: s.opts.Size}
	bounds := image.Rect(slot*s.opts.Size, 0, (slot+1)*s.opts.Size, s.opts.Size)

	layer := canvas.NewLayer(bounds, nil)
	s.host.AddLayer(el.key, layer)

	opts := []canvas.Option{
		canvas.WithLayer(layer),
		canvas.WithMaxDrawCount(s.cfg.MaxDrawCount),
		canvas.WithBufferCount(s.cfg.BufferCount),
		canvas.WithLogger(s.logger),
		canvas.WithMetrics(s.metrics),
	}
	fpsOpts := []diagnostics.FPSOption{
		diagnostics.WithSamplePeriod(s.cfg.FPSSamplePeriod),
		diagnostics.WithFPSLogger(s.logger),
		diagnostics.WithFPSMetrics(s.metrics),
	}
	if s.cfg.FPSCounter {
		opts = append(opts, canvas.WithFPS(fpsOpts...))
	}
	rc := canvas.New(s.coord, s.dev, opts...)
	defer rc.Clear()
	if s.cfg.FPSCounter {
		layer.SetFPSCounter(diagnostics.NewFPSCounter(diagnostics.Consumer, int64(rc.ID()), fpsOpts...))
	}

	ok, err := rc.Reset(el)
	if errors.Is(err, surface.ErrSurfaceTimeout) || (err == nil && !ok) {
		s.unaccelerated.Add(1)
		s.logger.Warn("canvas left unaccelerated", zap.Int("canvas", i), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("canvas %d: %w", i, err)
	}
	d, err := rc.Attach()
	if err != nil {
		return fmt.Errorf("canvas %d: %w", i, err)
	}

	full := image.Rect(0, 0, s.opts.Size, s.opts.Size)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for f := 0; f < s.opts.Frames; f++ {
		c := color.RGBA{R: uint8(i * 47), G: uint8(f * 3), B: 160, A: 255}
		if err := d.FillRect(full, c); err != nil {
			return fmt.Errorf("canvas %d frame %d: %w", i, f, err)
		}
		rc.MarkDirty(full)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops the diagnostics server and the presenter loop.
func (s *simulation) Close() {
	if s.server != nil {
		s.server.Stop()
	}
	s.loop.Stop()
}

type simulationResult struct {
	Elapsed       time.Duration
	Canvases      int
	Frames        int
	Unaccelerated int
	Remaining     int
	Composites    map[surface.GroupKey]int
}

func (r *simulationResult) print() {
	fmt.Fprintf(stdout, "%d canvases x %d frames in %s\n", r.Canvases, r.Frames, r.Elapsed.Round(time.Millisecond))
	if r.Unaccelerated > 0 {
		fmt.Fprintf(stdout, "unaccelerated: %d\n", r.Unaccelerated)
	}
	keys := make([]surface.GroupKey, 0, len(r.Composites))
	for k := range r.Composites {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		fmt.Fprintf(stdout, "  view %-4d composited %d frames\n", k, r.Composites[k])
	}
}
