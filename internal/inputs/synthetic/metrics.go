package synthetic

import "github.com/prometheus/client_golang/prometheus"

var (
	synthMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swiftbuf",
		Subsystem: "synthetic",
		Name:      "messages_total",
		Help:      "Synthetic generator messages (produced or dropped).",
	}, []string{"state"})
	synthBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swiftbuf",
		Subsystem: "synthetic",
		Name:      "bytes_total",
		Help:      "Total payload bytes (post optional compression) produced.",
	})
	synthGenSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "swiftbuf",
		Subsystem: "synthetic",
		Name:      "generate_seconds",
		Help:      "Time to render (and optionally compress) a payload.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register adds the generator collectors to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{synthMessages, synthBytes, synthGenSeconds} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
