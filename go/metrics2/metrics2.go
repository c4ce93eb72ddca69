// Package metrics2 is a thin facade over Prometheus metrics. Callers obtain
// counters and gauges by measurement name plus tags; the facade deduplicates
// registrations so the same metric can be requested from multiple places.
package metrics2

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mtx      sync.Mutex
	counters = map[string]*Counter{}
	gauges   = map[string]*Int64Metric{}
)

func metricKey(name string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{name}
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}

func labelPairs(tags map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, 0, len(keys))
	for _, k := range keys {
		vals = append(vals, tags[k])
	}
	return keys, vals
}

// Counter is a cumulative metric.
type Counter struct {
	c prometheus.Counter
}

// GetCounter returns the Counter with the given name and tags, creating it
// if necessary.
func GetCounter(name string, tags map[string]string) *Counter {
	mtx.Lock()
	defer mtx.Unlock()
	key := metricKey(name, tags)
	if c, ok := counters[key]; ok {
		return c
	}
	labels, values := labelPairs(tags)
	vec := promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labels)
	c := &Counter{c: vec.WithLabelValues(values...)}
	counters[key] = c
	return c
}

// Inc increments the counter by the given amount.
func (c *Counter) Inc(i int64) {
	c.c.Add(float64(i))
}

// Int64Metric is a settable gauge.
type Int64Metric struct {
	g prometheus.Gauge
}

// GetInt64Metric returns the Int64Metric with the given name and tags,
// creating it if necessary.
func GetInt64Metric(name string, tags map[string]string) *Int64Metric {
	mtx.Lock()
	defer mtx.Unlock()
	key := metricKey(name, tags)
	if g, ok := gauges[key]; ok {
		return g
	}
	labels, values := labelPairs(tags)
	vec := promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labels)
	g := &Int64Metric{g: vec.WithLabelValues(values...)}
	gauges[key] = g
	return g
}

// Update sets the gauge to the given value.
func (m *Int64Metric) Update(v int64) {
	m.g.Set(float64(v))
}

// Liveness keeps a time-since-last-successful-update metric.
//
// The unit of the metrics is in seconds.
type Liveness struct {
	lastSuccessfulUpdate time.Time
	m                    *Int64Metric
	mtx                  sync.Mutex
}

// NewLiveness creates a new Liveness metric helper.
func NewLiveness(name string, tags map[string]string) *Liveness {
	l := &Liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    GetInt64Metric("liveness_"+name+"_s", tags),
	}
	l.update()
	return l
}

func (l *Liveness) update() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// Reset should be called when some work has been successfully completed.
func (l *Liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.update()
}
