package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "archive_ingester"

// Registry holds every collector the pipeline reports to. A nil *Registry
// is valid and discards all observations.
type Registry struct {
	reg *prometheus.Registry

	segments      *prometheus.CounterVec
	events        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	bytes         prometheus.Counter
	retries       *prometheus.CounterVec
	flushDuration prometheus.Histogram
	inflight      prometheus.Gauge
	lastRun       prometheus.Gauge

	govLevel    prometheus.Gauge
	govResource *prometheus.GaugeVec
	govPauses   *prometheus.CounterVec
	govCleanups prometheus.Counter
}

// New builds a registry with all collectors registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.segments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_total",
		Help:      "Segments seen by outcome",
	}, []string{"outcome"})
	r.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Archive lines by outcome (written, failed, filtered, rejected)",
	}, []string{"outcome"})
	r.rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejections_total",
		Help:      "Rejected lines by reason",
	}, []string{"reason"})
	r.bytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloaded_bytes_total",
		Help:      "Compressed bytes transferred from the archive",
	})
	r.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Retried operations by kind",
	}, []string{"op"})
	r.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_flush_seconds",
		Help:      "Time spent in one batch transaction",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	r.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "segments_inflight",
		Help:      "Segments currently being processed",
	})
	r.lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last finished run",
	})
	r.govLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "governor_level",
		Help:      "Resource pressure level (0 normal, 1 warning, 2 critical)",
	})
	r.govResource = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "governor_usage_percent",
		Help:      "Last sampled host usage by resource",
	}, []string{"resource"})
	r.govPauses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "governor_pauses_total",
		Help:      "Times a caller was held back by resource pressure",
	}, []string{"component"})
	r.govCleanups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "governor_cleanups_total",
		Help:      "Emergency cleanups performed",
	})

	r.reg.MustRegister(
		r.segments, r.events, r.rejections, r.bytes, r.retries,
		r.flushDuration, r.inflight, r.lastRun,
		r.govLevel, r.govResource, r.govPauses, r.govCleanups,
	)
	return r
}

// Gatherer exposes the underlying registry for the HTTP handler and tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) IncSegment(outcome string) {
	if r == nil {
		return
	}
	r.segments.WithLabelValues(outcome).Inc()
}

func (r *Registry) AddEvents(outcome string, n int64) {
	if r == nil || n == 0 {
		return
	}
	r.events.WithLabelValues(outcome).Add(float64(n))
}

func (r *Registry) AddRejections(reason string, n int64) {
	if r == nil || n == 0 {
		return
	}
	r.rejections.WithLabelValues(reason).Add(float64(n))
	r.events.WithLabelValues("rejected").Add(float64(n))
}

func (r *Registry) AddBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.bytes.Add(float64(n))
}

func (r *Registry) IncRetry(op string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(op).Inc()
}

func (r *Registry) ObserveFlush(d time.Duration) {
	if r == nil {
		return
	}
	r.flushDuration.Observe(d.Seconds())
}

func (r *Registry) SegmentStarted() {
	if r == nil {
		return
	}
	r.inflight.Inc()
}

func (r *Registry) SegmentDone() {
	if r == nil {
		return
	}
	r.inflight.Dec()
}

func (r *Registry) RunFinished(t time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(t.Unix()))
}

// SetGovernor records the last sample: level plus usage percentages.
func (r *Registry) SetGovernor(level int, memPct, diskPct, cpuPct float64) {
	if r == nil {
		return
	}
	r.govLevel.Set(float64(level))
	r.govResource.WithLabelValues("memory").Set(memPct)
	r.govResource.WithLabelValues("disk").Set(diskPct)
	r.govResource.WithLabelValues("cpu").Set(cpuPct)
}

func (r *Registry) IncPause(component string) {
	if r == nil {
		return
	}
	r.govPauses.WithLabelValues(component).Inc()
}

func (r *Registry) IncCleanup() {
	if r == nil {
		return
	}
	r.govCleanups.Inc()
}

// Dump returns a one-line, human-readable snapshot of counters and gauges
// (for logging at the end of a run). Histograms are reduced to their count.
func (r *Registry) Dump() string {
	if r == nil {
		return ""
	}
	mfs, err := r.reg.Gather()
	if err != nil {
		return ""
	}
	var out []string
	for _, mf := range mfs {
		name := strings.TrimPrefix(mf.GetName(), namespace+"_")
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.Counter != nil:
				v = m.GetCounter().GetValue()
			case m.Gauge != nil:
				v = m.GetGauge().GetValue()
			case m.Histogram != nil:
				v = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			out = append(out, fmt.Sprintf("%s{%s} %g", name, labelString(m.GetLabel()), v))
		}
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

func labelString(lps []*dto.LabelPair) string {
	ks := make([]string, 0, len(lps))
	for _, lp := range lps {
		ks = append(ks, lp.GetName()+"="+lp.GetValue())
	}
	sort.Strings(ks)
	return strings.Join(ks, ",")
}
