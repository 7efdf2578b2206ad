package tailstore

import "github.com/hashicorp/go-metrics"

// Monitor is the instrumentation sink named in the store configuration. It
// is intentionally narrow: the core only ever reports counts, never event
// contents. The zero value is not usable; use NoopMonitor() or
// NewMetricsMonitor.
type Monitor interface {
	NodesAppended(n int)
	ConsumerDetached()
	TrimEvicted(n int)
	CacheLen(n int)
}

type noopMonitor struct{}

func (noopMonitor) NodesAppended(int) {}
func (noopMonitor) ConsumerDetached() {}
func (noopMonitor) TrimEvicted(int)   {}
func (noopMonitor) CacheLen(int)      {}

// NoopMonitor returns the default, no-op Monitor.
func NoopMonitor() Monitor { return noopMonitor{} }

// metricsMonitor reports through github.com/hashicorp/go-metrics, the
// counter/gauge sink the wider Nomad/Consul family of tools standardizes
// on. Construct one with NewMetricsMonitor to get operational visibility
// into the cache without wiring a bespoke metrics package.
type metricsMonitor struct {
	prefix []string
}

// NewMetricsMonitor returns a Monitor that emits go-metrics counters and
// gauges under the given label prefix (e.g. []string{"tailstore"}).
func NewMetricsMonitor(prefix []string) Monitor {
	if len(prefix) == 0 {
		prefix = []string{"tailstore"}
	}
	// Copy so the caller can't mutate our prefix out from under us.
	owned := make([]string, len(prefix))
	copy(owned, prefix)
	return &metricsMonitor{prefix: owned}
}

// key returns a fresh slice; appending to m.prefix directly would let two
// concurrent calls race over the same backing array's capacity.
func (m *metricsMonitor) key(suffix string) []string {
	key := make([]string, len(m.prefix)+1)
	copy(key, m.prefix)
	key[len(m.prefix)] = suffix
	return key
}

func (m *metricsMonitor) NodesAppended(n int) {
	metrics.IncrCounter(m.key("nodes_appended"), float32(n))
}

func (m *metricsMonitor) ConsumerDetached() {
	metrics.IncrCounter(m.key("consumers_detached"), 1)
}

func (m *metricsMonitor) TrimEvicted(n int) {
	metrics.IncrCounter(m.key("trim_evicted"), float32(n))
}

func (m *metricsMonitor) CacheLen(n int) {
	metrics.SetGauge(m.key("cache_len"), float32(n))
}
