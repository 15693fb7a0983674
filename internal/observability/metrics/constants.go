// Package metrics defines the Prometheus collectors of the lock service.
// Each group registers as one collector, so registering a group twice on
// the same registry fails as a whole.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusRefused = "refused"
)

var (
	// requests and lock operations, 1ms to ~16s
	latencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 15)
	// broker acknowledgements, 1ms to ~0.5s
	publishBuckets = prometheus.ExponentialBuckets(0.001, 2, 10)
	// contention on one subject tree, 0.1ms to ~200ms
	waitBuckets = prometheus.ExponentialBuckets(0.0001, 2, 12)
	// nodes touched by one cascade, 1 to 2048
	cascadeBuckets = prometheus.ExponentialBuckets(1, 2, 12)
	// event payloads, 64B to 32KiB
	payloadBuckets = prometheus.ExponentialBuckets(64, 2, 10)
	// response bodies, 100B to 10MB
	responseBuckets = prometheus.ExponentialBuckets(100, 10, 6)
)

// collectorSet is embedded by metric groups to implement
// prometheus.Collector over their members.
type collectorSet []prometheus.Collector

func (s collectorSet) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range s {
		c.Describe(ch)
	}
}

func (s collectorSet) Collect(ch chan<- prometheus.Metric) {
	for _, c := range s {
		c.Collect(ch)
	}
}
