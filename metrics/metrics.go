// Package metrics exports link byte counters and connection loop status to
// Prometheus.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rerpc/connection"
	"rerpc/transport"
)

// States lists the values of the state label, in the order the loop goes
// through them.
var States = []string{"connecting", "connected", "disconnected"}

type loopSampler func() (state string, attempt int)

// Collector reads tracked Stats and loops on every scrape.
type Collector struct {
	mu    sync.Mutex
	links map[string]*transport.Stats
	loops map[string]loopSampler

	bytes   *prometheus.Desc
	state   *prometheus.Desc
	attempt *prometheus.Desc
}

func NewCollector(namespace string) *Collector {
	return &Collector{
		links: make(map[string]*transport.Stats),
		loops: make(map[string]loopSampler),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", "bytes_total"),
			"Bytes moved over a link, before (raw) and after (wire) compression",
			[]string{"link", "direction", "stage"}, nil,
		),
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connection", "state"),
			"1 for the current state of a connection loop, otherwise 0",
			[]string{"loop", "state"}, nil,
		),
		attempt: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connection", "attempt"),
			"Failed connection attempts over the lifetime of the loop, 0 before the first failure",
			[]string{"loop"}, nil,
		),
	}
}

// TrackStats exports s under the link label name.
func (c *Collector) TrackStats(name string, s *transport.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[name] = s
}

// TrackLoop exports the current status of l under the loop label name.
func TrackLoop[T any](c *Collector, name string, l *connection.Loop[T]) {
	status := l.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loops[name] = func() (string, int) {
		return stateOf[T](status.Current())
	}
}

func stateOf[T any](st connection.Status[T]) (string, int) {
	switch st := st.(type) {
	case connection.Connected[T]:
		return "connected", 0
	case connection.TemporarilyDisconnected[T]:
		return "disconnected", st.Attempt
	default:
		return "connecting", 0
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytes
	ch <- c.state
	ch <- c.attempt
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	links := make(map[string]transport.StatsSnapshot, len(c.links))
	for name, s := range c.links {
		links[name] = s.Snapshot()
	}
	loops := make(map[string]loopSampler, len(c.loops))
	for name, sample := range c.loops {
		loops[name] = sample
	}
	c.mu.Unlock()

	for _, name := range sortedKeys(links) {
		s := links[name]
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.SentRaw), name, "sent", "raw")
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.SentWire), name, "sent", "wire")
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.ReceivedRaw), name, "received", "raw")
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.ReceivedWire), name, "received", "wire")
	}
	for _, name := range sortedKeys(loops) {
		current, attempt := loops[name]()
		for _, state := range States {
			var v float64
			if state == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, name, state)
		}
		ch <- prometheus.MustNewConstMetric(c.attempt, prometheus.GaugeValue, float64(attempt), name)
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
