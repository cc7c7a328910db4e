package metrics

import (
	"net/http"
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

// Registry holds named collectors and renders them in the Prometheus text
// exposition format. Collector names must be unique.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]collector{}}
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

		r.mu.RLock()
		names := make([]string, 0, len(r.collectors))
		for name := range r.collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		ordered := make([]collector, 0, len(names))
		for _, name := range names {
			ordered = append(ordered, r.collectors[name])
		}
		r.mu.RUnlock()

		var sb strings.Builder
		for _, c := range ordered {
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

type Counter struct {
	opts  Opts
	mu    sync.RWMutex
	value float64
}

func NewCounter(opts Opts) *Counter {
	return &Counter{opts: opts}
}

func (c *Counter) name() string { return c.opts.Name }

func (c *Counter) Inc() {
	c.Add(1)
}

func (c *Counter) Add(v float64) {
	if v < 0 {
		return
	}
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *Counter) writePrometheus(sb *strings.Builder) {
	writeHeader(sb, c.opts, "counter")
	sb.WriteString(c.opts.Name)
	sb.WriteString(" ")
	sb.WriteString(formatFloat(c.Value()))
	sb.WriteString("\n")
}

type Gauge struct {
	opts  Opts
	mu    sync.RWMutex
	value float64
}

func NewGauge(opts Opts) *Gauge {
	return &Gauge{opts: opts}
}

func (g *Gauge) name() string { return g.opts.Name }

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

func (g *Gauge) writePrometheus(sb *strings.Builder) {
	writeHeader(sb, g.opts, "gauge")
	sb.WriteString(g.opts.Name)
	sb.WriteString(" ")
	sb.WriteString(formatFloat(g.Value()))
	sb.WriteString("\n")
}

// UptimeGauge reports process uptime in seconds at scrape time.
type UptimeGauge struct {
	opts Opts
}

func NewUptimeGauge(opts Opts) *UptimeGauge {
	return &UptimeGauge{opts: opts}
}

func (u *UptimeGauge) name() string { return u.opts.Name }

func (u *UptimeGauge) writePrometheus(sb *strings.Builder) {
	writeHeader(sb, u.opts, "gauge")
	sb.WriteString(u.opts.Name)
	sb.WriteString(" ")
	sb.WriteString(formatFloat(time.Since(processStart).Seconds()))
	sb.WriteString("\n")
}

func writeHeader(sb *strings.Builder, opts Opts, kind string) {
	if opts.Help != "" {
		sb.WriteString("# HELP ")
		sb.WriteString(opts.Name)
		sb.WriteString(" ")
		sb.WriteString(opts.Help)
		sb.WriteString("\n")
	}
	sb.WriteString("# TYPE ")
	sb.WriteString(opts.Name)
	sb.WriteString(" ")
	sb.WriteString(kind)
	sb.WriteString("\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
