package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	writePrometheus(*strings.Builder)
}

type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{
		collectors: map[string]collector{},
	}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		name := item.name()
		if _, exists := r.collectors[name]; exists {
			panic("metrics collector already registered: " + name)
		}
		r.collectors[name] = item
	}
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder

		r.mu.RLock()
		names := make([]string, 0, len(r.collectors))
		for name := range r.collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		collectors := make([]collector, 0, len(names))
		for _, name := range names {
			collectors = append(collectors, r.collectors[name])
		}
		r.mu.RUnlock()

		for _, c := range collectors {
			c.writePrometheus(&sb)
		}
		_, _ = w.Write([]byte(sb.String()))
	})
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

// NewServer exposes the default registry on addr for processes without an
// HTTP surface of their own.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", DefaultHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type Gauge struct {
	opts  Opts
	mu    sync.RWMutex
	value float64
}

func NewGauge(opts Opts) *Gauge {
	return &Gauge{opts: opts}
}

func (g *Gauge) name() string {
	return g.opts.Name
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) writePrometheus(sb *strings.Builder) {
	g.mu.RLock()
	v := g.value
	g.mu.RUnlock()
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, floatToString(v))
}

type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) name() string {
	return g.opts.Name
}

func (g *GaugeFunc) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	v := 0.0
	if g.fn != nil {
		v = g.fn()
	}
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, floatToString(v))
}

// labeledValues holds one float per label-value combination.
type labeledValues struct {
	opts       Opts
	kind       string
	labelNames []string

	mu     sync.RWMutex
	values map[string]float64
}

func newLabeledValues(opts Opts, kind string, labelNames []string) labeledValues {
	copied := make([]string, len(labelNames))
	copy(copied, labelNames)
	return labeledValues{
		opts:       opts,
		kind:       kind,
		labelNames: copied,
		values:     map[string]float64{},
	}
}

func (l *labeledValues) name() string {
	return l.opts.Name
}

func (l *labeledValues) add(labelValues []string, delta float64) {
	if len(labelValues) != len(l.labelNames) {
		return
	}
	key := strings.Join(labelValues, "\xff")
	l.mu.Lock()
	l.values[key] += delta
	l.mu.Unlock()
}

func (l *labeledValues) set(labelValues []string, v float64) {
	if len(labelValues) != len(l.labelNames) {
		return
	}
	key := strings.Join(labelValues, "\xff")
	l.mu.Lock()
	l.values[key] = v
	l.mu.Unlock()
}

// Value returns the current value for one label combination.
func (l *labeledValues) Value(labelValues ...string) float64 {
	key := strings.Join(labelValues, "\xff")
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.values[key]
}

func (l *labeledValues) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, l.opts.Name, l.kind, l.opts.Help)

	l.mu.RLock()
	keys := make([]string, 0, len(l.values))
	for key := range l.values {
		keys = append(keys, key)
	}
	values := make(map[string]float64, len(keys))
	for _, key := range keys {
		values[key] = l.values[key]
	}
	l.mu.RUnlock()
	sort.Strings(keys)

	for _, key := range keys {
		labelValues := strings.Split(key, "\xff")
		sb.WriteString(l.opts.Name)
		if len(l.labelNames) > 0 {
			sb.WriteString("{")
			for idx, labelName := range l.labelNames {
				if idx > 0 {
					sb.WriteString(",")
				}
				sb.WriteString(labelName)
				sb.WriteString(`="`)
				sb.WriteString(escapeLabelValue(labelValues[idx]))
				sb.WriteString(`"`)
			}
			sb.WriteString("}")
		}
		sb.WriteString(" ")
		sb.WriteString(floatToString(values[key]))
		sb.WriteString("\n")
	}
}

type CounterVec struct {
	labeledValues
}

func NewCounterVec(opts Opts, labelNames []string) *CounterVec {
	return &CounterVec{labeledValues: newLabeledValues(opts, "counter", labelNames)}
}

func (c *CounterVec) WithLabelValues(values ...string) *Counter {
	return &Counter{parent: &c.labeledValues, labelValues: values}
}

type Counter struct {
	parent      *labeledValues
	labelValues []string
}

func (c *Counter) Add(v float64) {
	if c == nil || c.parent == nil || v < 0 {
		return
	}
	c.parent.add(c.labelValues, v)
}

func (c *Counter) Inc() { c.Add(1) }

type GaugeVec struct {
	labeledValues
}

func NewGaugeVec(opts Opts, labelNames []string) *GaugeVec {
	return &GaugeVec{labeledValues: newLabeledValues(opts, "gauge", labelNames)}
}

func (g *GaugeVec) WithLabelValues(values ...string) *LabeledGauge {
	return &LabeledGauge{parent: &g.labeledValues, labelValues: values}
}

type LabeledGauge struct {
	parent      *labeledValues
	labelValues []string
}

func (g *LabeledGauge) Add(v float64) {
	if g == nil || g.parent == nil {
		return
	}
	g.parent.add(g.labelValues, v)
}

func (g *LabeledGauge) Set(v float64) {
	if g == nil || g.parent == nil {
		return
	}
	g.parent.set(g.labelValues, v)
}

func (g *LabeledGauge) Inc() { g.Add(1) }
func (g *LabeledGauge) Dec() { g.Add(-1) }

func writeMetricHead(sb *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, metricType)
}

func floatToString(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func init() {
	Default.MustRegister(
		NewGaugeFunc(Opts{
			Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc(Opts{
			Name: "go_goroutines",
			Help: "Number of goroutines.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
		NewGaugeFunc(Opts{
			Name: "go_memstats_alloc_bytes",
			Help: "Allocated heap objects in bytes.",
		}, func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.Alloc)
		}),
		NewGaugeFunc(Opts{
			Name: "go_memstats_heap_inuse_bytes",
			Help: "Heap in-use bytes.",
		}, func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.HeapInuse)
		}),
	)
}
