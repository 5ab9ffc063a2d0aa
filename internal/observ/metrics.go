package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// namespace prefixes every exported series
const namespace = "quote_ingest"

// registry creates metric vectors on first use. The label names of a
// series are fixed by its first call; later calls with other names are
// dropped.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{}
	r.reset()
	return r
}

func (r *registry) reset() {
	r.prom = prometheus.NewRegistry()
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.counters = map[string]*prometheus.CounterVec{}
	r.gauges = map[string]*prometheus.GaugeVec{}
	r.hist = map[string]*prometheus.HistogramVec{}
}

func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func help(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func dropped(name string, err error) {
	Debug("metric_dropped", map[string]any{"metric": name, "error": err.Error()})
}

func (r *registry) counter(name string, labels map[string]string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help(name)}, labelNames(labels))
		if err := r.prom.Register(vec); err != nil {
			dropped(name, err)
			return nil
		}
		r.counters[name] = vec
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		dropped(name, err)
		return nil
	}
	return c
}

func (r *registry) gauge(name string, labels map[string]string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help(name)}, labelNames(labels))
		if err := r.prom.Register(vec); err != nil {
			dropped(name, err)
			return nil
		}
		r.gauges[name] = vec
	}
	g, err := vec.GetMetricWith(labels)
	if err != nil {
		dropped(name, err)
		return nil
	}
	return g
}

// histogram buckets are in milliseconds, 1ms to ~30s
var buckets = prometheus.ExponentialBuckets(1, 2, 16)

func (r *registry) histogram(name string, labels map[string]string) prometheus.Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help(name), Buckets: buckets}, labelNames(labels))
		if err := r.prom.Register(vec); err != nil {
			dropped(name, err)
			return nil
		}
		r.hist[name] = vec
	}
	o, err := vec.GetMetricWith(labels)
	if err != nil {
		dropped(name, err)
		return nil
	}
	return o
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value int64) {
	if c := reg.counter(name, labels); c != nil {
		c.Add(float64(value))
	}
}

func SetGauge(name string, value float64, labels map[string]string) {
	if g := reg.gauge(name, labels); g != nil {
		g.Set(value)
	}
}

func Observe(name string, value float64, labels map[string]string) {
	if o := reg.histogram(name, labels); o != nil {
		o.Observe(value)
	}
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Counter returns the current value of a counter series
func Counter(name string, labels map[string]string) int64 {
	c := reg.counter(name, labels)
	if c == nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// Gauge returns the current value of a gauge series
func Gauge(name string, labels map[string]string) float64 {
	g := reg.gauge(name, labels)
	if g == nil {
		return 0
	}
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Reset drops every series; tests use it between cases
func Reset() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.reset()
}

func gatherer() prometheus.Gatherer {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.prom
}

// Handler serves the registry in the Prometheus text format
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		promhttp.HandlerFor(gatherer(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Health is a liveness probe
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
