package notebot

import "time"

// MetricsRecorder receives pipeline observations for operational telemetry.
type MetricsRecorder interface {
	// ObserveFrame records one streaming frame by decode result.
	ObserveFrame(result string)
	// ObserveReconnect records one streaming reconnect attempt.
	ObserveReconnect()
	// ObserveArrival records one event accepted by the coalescer.
	ObserveArrival(kind EventKind)
	// ObserveCoalesced records how many arrivals were discarded for one note.
	ObserveCoalesced(discarded int)
	// ObserveCompletion records one completion call outcome and latency.
	ObserveCompletion(pipeline string, ok bool, elapsed time.Duration)
	// ObserveNote records one outbound note attempt by pipeline and outcome.
	ObserveNote(pipeline string, ok bool)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

// ObserveFrame implements MetricsRecorder.
func (NopMetrics) ObserveFrame(string) {}

// ObserveReconnect implements MetricsRecorder.
func (NopMetrics) ObserveReconnect() {}

// ObserveArrival implements MetricsRecorder.
func (NopMetrics) ObserveArrival(EventKind) {}

// ObserveCoalesced implements MetricsRecorder.
func (NopMetrics) ObserveCoalesced(int) {}

// ObserveCompletion implements MetricsRecorder.
func (NopMetrics) ObserveCompletion(string, bool, time.Duration) {}

// ObserveNote implements MetricsRecorder.
func (NopMetrics) ObserveNote(string, bool) {}

var _ MetricsRecorder = NopMetrics{}
