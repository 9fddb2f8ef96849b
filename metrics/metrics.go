// Package metrics records protocol events and latencies.
package metrics

import "time"

// Label keys understood by the Prometheus recorder.
const (
	LabelOutcome = "outcome"
	LabelService = "service"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
	ObserveHTTP(method, route string, status int, duration time.Duration)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
