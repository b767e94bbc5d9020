// Package metrics records the counters of one migration run and writes
// them in the Prometheus text format, for a node-exporter textfile
// collector to pick up.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/neohoods/matrixmig/internal/dump"
	"github.com/neohoods/matrixmig/internal/emit"
)

const namespace = "matrixmig"

// Recorder holds the metrics of a single run on its own registry
type Recorder struct {
	reg *prometheus.Registry

	rooms     *prometheus.CounterVec
	events    *prometheus.CounterVec
	malformed *prometheus.CounterVec
	stage     *prometheus.HistogramVec
	lastRun   prometheus.Gauge
}

// New returns an empty recorder
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		rooms: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rooms_total",
				Help:      "Rooms handled by the run, by outcome.",
			},
			[]string{"outcome"},
		),
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events emitted by the run, by kind.",
			},
			[]string{"kind"},
		),
		malformed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dump",
				Name:      "malformed_records_total",
				Help:      "Dump rows skipped because their field count disagreed with the header.",
			},
			[]string{"table"},
		),
		stage: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of each pipeline stage.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"stage"},
		),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the run finished.",
		}),
	}
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// ObserveStage records how long a stage took
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	r.stage.WithLabelValues(stage).Observe(d.Seconds())
}

// Time runs fn and records its duration under stage
func (r *Recorder) Time(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.ObserveStage(stage, time.Since(start))
	return err
}

// RecordDump adds the malformed row counters of a dump reader
func (r *Recorder) RecordDump(s dump.Stats) {
	for kind, n := range s.Malformed {
		r.malformed.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// RecordSummary adds the counters of an emitted batch
func (r *Recorder) RecordSummary(s *emit.Summary) {
	r.rooms.WithLabelValues("migrated").Add(float64(s.RoomsMigrated))
	r.rooms.WithLabelValues("inserted").Add(float64(s.RoomsInserted))
	r.rooms.WithLabelValues("reused").Add(float64(s.RoomsReused))
	r.rooms.WithLabelValues("created_via_api").Add(float64(s.RoomsCreatedViaAPI))
	r.rooms.WithLabelValues("skipped").Add(float64(len(s.RoomsSkipped)))

	r.events.WithLabelValues("emitted").Add(float64(s.Events))
	r.events.WithLabelValues("rewritten").Add(float64(s.EventsRewritten))
	r.events.WithLabelValues("external_reference").Add(float64(s.ExternalReferences))
	r.events.WithLabelValues("best_effort").Add(float64(s.BestEffort))
}

// WriteTextfile stamps the run end time and writes every metric to path
func (r *Recorder) WriteTextfile(path string, now time.Time) error {
	r.lastRun.Set(float64(now.Unix()))
	return prometheus.WriteToTextfile(path, r.reg)
}
