// Package metrics keeps the host's counters, gauges and histograms and serves
// them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide default collector.
var Collector = NewMetricsCollector()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family groups every series sharing a metric name.
type family struct {
	help   string
	kind   kind
	series map[string]any // labels -> *Counter | *Gauge | *Histogram
}

// MetricsCollector is a registry of metric families. Metrics are created on
// first use and shared by name and label set afterwards.
type MetricsCollector struct {
	mu       sync.Mutex
	families map[string]*family
	started  time.Time
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{families: make(map[string]*family), started: time.Now()}
}

// Or returns c, or the default collector when c is nil.
func Or(c *MetricsCollector) *MetricsCollector {
	if c == nil {
		return Collector
	}
	return c
}

// Uptime reports time since the collector was created.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.started)
}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge holds a value that moves both ways, such as queue depth.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into cumulative upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	total  int64
	sum    float64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// lookup returns the series for name and labels, creating it with mk when
// absent. The first registration fixes the family's help text and kind.
func (c *MetricsCollector) lookup(name, help, labels string, k kind, mk func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[name]
	if !ok {
		f = &family{help: help, kind: k, series: make(map[string]any)}
		c.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

// Counter returns the counter for name and labels (`key="value"` pairs).
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.lookup(name, help, labels, kindCounter, func() any { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge for name and labels.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return c.lookup(name, help, labels, kindGauge, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name and labels. buckets only matter
// when the histogram is first created.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.lookup(name, help, labels, kindHistogram, func() any {
		bounds := slices.Clone(buckets)
		slices.Sort(bounds)
		return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
	}).(*Histogram)
}

// Snapshot returns counter and gauge values keyed by name, with the label set
// appended in braces when there is one.
func (c *MetricsCollector) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64)
	for name, f := range c.families {
		for labels, s := range f.series {
			key := name
			if labels != "" {
				key += "{" + labels + "}"
			}
			switch m := s.(type) {
			case *Counter:
				out[key] = m.Value()
			case *Gauge:
				out[key] = m.Value()
			}
		}
	}
	return out
}

// Handler serves Render output.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// Render returns the exposition text for every registered metric.
func (c *MetricsCollector) Render() string {
	var sb strings.Builder
	c.WriteTo(&sb)
	return sb.String()
}

// WriteTo writes families sorted by name, and series sorted by label set.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	fmt.Fprintf(cw, "# HELP kisaki_uptime_seconds Time since start in seconds\n# TYPE kisaki_uptime_seconds gauge\nkisaki_uptime_seconds %d\n",
		int64(c.Uptime().Seconds()))

	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.families))
	for name := range c.families {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		f := c.families[name]
		fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s %s\n", name, f.help, name, f.kind)
		labelSets := make([]string, 0, len(f.series))
		for labels := range f.series {
			labelSets = append(labelSets, labels)
		}
		slices.Sort(labelSets)
		for _, labels := range labelSets {
			switch m := f.series[labels].(type) {
			case *Counter:
				fmt.Fprintf(cw, "%s%s %d\n", name, braces(labels), m.Value())
			case *Gauge:
				fmt.Fprintf(cw, "%s%s %d\n", name, braces(labels), m.Value())
			case *Histogram:
				writeHistogram(cw, name, labels, m)
			}
		}
	}
	return cw.n, cw.err
}

func writeHistogram(w io.Writer, name, labels string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, le := range h.bounds {
		bound := strconv.FormatFloat(le, 'g', -1, 64)
		if math.IsInf(le, 1) {
			bound = "+Inf"
		}
		fmt.Fprintf(w, "%s_bucket{%s%sle=%q} %d\n", name, labels, sep, bound, h.counts[i])
	}
	fmt.Fprintf(w, "%s_count%s %d\n", name, braces(labels), h.total)
	fmt.Fprintf(w, "%s_sum%s %f\n", name, braces(labels), h.sum)
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}
