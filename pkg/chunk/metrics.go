// pkg/chunk/metrics.go

package chunk

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	reg         prometheus.Registerer
	maps        prometheus.Counter
	unmaps      prometheus.Counter
	reuses      *prometheus.CounterVec
	grows       prometheus.Counter
	mappedBytes prometheus.Gauge
}

// newMetrics registers on reg when it is set; the collectors work either way.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		maps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avemap_chunk_maps_total",
			Help: "Chunks mapped into memory.",
		}),
		unmaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avemap_chunk_unmaps_total",
			Help: "Chunks unmapped after their last release.",
		}),
		reuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avemap_chunk_reuses_total",
			Help: "Acquires served by an already mapped chunk.",
		}, []string{"via"}),
		grows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avemap_file_grows_total",
			Help: "Times the backing file was extended.",
		}),
		mappedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avemap_mapped_bytes",
			Help: "Bytes currently mapped, including orphaned chunks.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for i, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, r := range m.collectors()[:i] {
				reg.Unregister(r)
			}
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	m.reg = reg
	return m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.maps, m.unmaps, m.reuses, m.grows, m.mappedBytes}
}

func (m *metrics) unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range m.collectors() {
		m.reg.Unregister(c)
	}
}
