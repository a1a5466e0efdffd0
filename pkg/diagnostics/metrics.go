// Package diagnostics provides metrics, frame-rate counters and a debug
// HTTP server for canvassync.
package diagnostics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Notification kinds recorded by Metrics.Notified.
const (
	NotifySurfaceRequested = "surface_requested"
	NotifySurfaceDestroyed = "surface_destroyed"
	NotifySyncRequested    = "sync_requested"
)

// Registration outcomes recorded by Metrics.Registered.
const (
	OutcomeReady    = "ready"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Metrics holds the coordinator and canvas collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	notifications  *prometheus.CounterVec
	coalesced      prometheus.Counter
	registrations  *prometheus.CounterVec
	registerWait   prometheus.Histogram
	performSync    prometheus.Histogram
	presented      prometheus.Counter
	switches       prometheus.Counter
	surfaces       prometheus.Gauge
	groups         prometheus.Gauge
	fpsInstant     *prometheus.GaugeVec
	fpsAverage     *prometheus.GaugeVec
	forcedPresents prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "canvassync_notifications_total",
			Help: "Cross-thread notifications posted to the presentation side, by kind",
		}, []string{"kind"}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "canvassync_sync_coalesced_total",
			Help: "Sync requests absorbed by an already pending notification",
		}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "canvassync_registrations_total",
			Help: "Surface registrations by outcome",
		}, []string{"outcome"}),
		registerWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "canvassync_register_wait_seconds",
			Help:    "Time a registering render thread waited for its surface",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		performSync: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "canvassync_perform_sync_seconds",
			Help:    "Time spent presenting one view group",
			Buckets: prometheus.DefBuckets,
		}),
		presented: f.NewCounter(prometheus.CounterOpts{
			Name: "canvassync_presents_total",
			Help: "Surfaces presented by perform-sync or context switches",
		}),
		switches: f.NewCounter(prometheus.CounterOpts{
			Name: "canvassync_context_switches_total",
			Help: "Platform make-current calls issued by the coordinator",
		}),
		surfaces: f.NewGauge(prometheus.GaugeOpts{
			Name: "canvassync_surfaces",
			Help: "Registered surfaces",
		}),
		groups: f.NewGauge(prometheus.GaugeOpts{
			Name: "canvassync_view_groups",
			Help: "Live view groups",
		}),
		fpsInstant: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canvassync_fps_instant",
			Help: "Frames per second over the last sample period",
		}, []string{"role", "surface"}),
		fpsAverage: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canvassync_fps_average",
			Help: "Frames per second since the counter was reset",
		}, []string{"role", "surface"}),
		forcedPresents: f.NewCounter(prometheus.CounterOpts{
			Name: "canvassync_forced_presents_total",
			Help: "Presents forced by the draw call threshold",
		}),
	}
}

func (m *Metrics) Notified(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

// Registered records a registration outcome and, for waits, how long the
// caller blocked.
func (m *Metrics) Registered(outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
	if outcome != OutcomeRejected {
		m.registerWait.Observe(waited.Seconds())
	}
}

func (m *Metrics) PerformedSync(d time.Duration, presented int) {
	if m == nil {
		return
	}
	m.performSync.Observe(d.Seconds())
	m.presented.Add(float64(presented))
}

func (m *Metrics) Presented() {
	if m == nil {
		return
	}
	m.presented.Inc()
}

func (m *Metrics) Switched() {
	if m == nil {
		return
	}
	m.switches.Inc()
}

func (m *Metrics) ForcedPresent() {
	if m == nil {
		return
	}
	m.forcedPresents.Inc()
}

// SetPopulation records the current table sizes.
func (m *Metrics) SetPopulation(surfaces, groups int) {
	if m == nil {
		return
	}
	m.surfaces.Set(float64(surfaces))
	m.groups.Set(float64(groups))
}

func (m *Metrics) setFPS(role, surface string, instant, average float64) {
	if m == nil {
		return
	}
	m.fpsInstant.WithLabelValues(role, surface).Set(instant)
	m.fpsAverage.WithLabelValues(role, surface).Set(average)
}
