// Package metrics keeps relay counters, gauges and histograms and renders
// them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry used by the relay.
var Collector = NewRegistry()

// Registry aggregates counters, gauges and histograms by name and label set.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter only goes up.
type Counter struct {
	name, help, labels string
	value              atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge goes up and down.
type Gauge struct {
	name, help, labels string
	value              atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks a distribution over fixed upper bounds.
type Histogram struct {
	name, help, labels string

	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func key(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns the counter for name and labels, creating it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(name, labels)
	if c, ok := r.counters[k]; ok {
		return c
	}
	c := &Counter{name: name, help: help, labels: labels}
	r.counters[k] = c
	return c
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(name, labels)
	if g, ok := r.gauges[k]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, labels: labels}
	r.gauges[k] = g
	return g
}

// Histogram returns the histogram for name and labels, creating it with the
// given bucket bounds on first use.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(name, labels)
	if h, ok := r.histograms[k]; ok {
		return h
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	h := &Histogram{name: name, help: help, labels: labels, bounds: b, buckets: make([]int64, len(b))}
	r.histograms[k] = h
	return h
}

// Render writes every metric in Prometheus text format, sorted by name.
func (r *Registry) Render() string {
	r.mu.Lock()
	counters := sortedValues(r.counters)
	gauges := sortedValues(r.gauges)
	histograms := sortedValues(r.histograms)
	r.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP clawbridge_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE clawbridge_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "clawbridge_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	seen := make(map[string]bool)
	for _, c := range counters {
		writeHeader(&sb, seen, c.name, c.help, "counter")
		fmt.Fprintf(&sb, "%s %d\n", series(c.name, c.labels), c.Value())
	}
	for _, g := range gauges {
		writeHeader(&sb, seen, g.name, g.help, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}
	for _, h := range histograms {
		writeHeader(&sb, seen, h.name, h.help, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			labels := `le="` + bound + `"`
			if h.labels != "" {
				labels = h.labels + "," + labels
			}
			fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_bucket", labels), h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}
	return sb.String()
}

// Handler serves Render over HTTP.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

func writeHeader(sb *strings.Builder, seen map[string]bool, name, help, kind string) {
	if seen[name] {
		return
	}
	seen[name] = true
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func sortedValues[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// Relay metrics.
var (
	ChatsTotal        = Collector.Counter("clawbridge_chats_total", "Chat messages received", "")
	RepliesTotal      = Collector.Counter("clawbridge_replies_total", "Chats answered by the agent", "")
	TimeoutsTotal     = Collector.Counter("clawbridge_timeouts_total", "Chats answered with the timeout fallback", "")
	NotConnectedTotal = Collector.Counter("clawbridge_not_connected_total", "Chats answered while no agent transport was available", "")
	StaleRepliesTotal = Collector.Counter("clawbridge_stale_replies_total", "Replies for unknown or expired requests", "")
	DeliveryFailures  = Collector.Counter("clawbridge_delivery_failures_total", "Outbound deliveries that failed", "")

	PendingRequests = Collector.Gauge("clawbridge_pending_requests", "Requests waiting for a reply", "")
	QueueDepth      = Collector.Gauge("clawbridge_queue_depth", "Messages held for pollers", "")

	WaitLatency = Collector.Histogram("clawbridge_wait_seconds", "Time from chat received to resolution", "",
		[]float64{0.5, 1, 2, 5, 10, 20, 30, 60})
)
