// Package metrics records orchestration metrics: request outcomes, attempt
// durations per method, routing sources, cache lookups and live sessions.
package metrics

import "time"

// Recorder is implemented by metric sinks.
type Recorder interface {
	// ObserveRequest records a finished request by outcome.
	ObserveRequest(outcome string, duration time.Duration)
	// ObserveAttempt records one backend attempt.
	ObserveAttempt(method, outcome string, duration time.Duration)
	// ObserveRouting records which routing source produced a strategy.
	ObserveRouting(source string)
	// ObserveCache records a result cache lookup.
	ObserveCache(hit bool)
	// SetSessions sets the number of connected sessions.
	SetSessions(n int)
	// SetActiveTasks sets the number of in-flight generations.
	SetActiveTasks(n int)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return NoopRecorder{}
}

func (NoopRecorder) ObserveRequest(string, time.Duration)         {}
func (NoopRecorder) ObserveAttempt(string, string, time.Duration) {}
func (NoopRecorder) ObserveRouting(string)                        {}
func (NoopRecorder) ObserveCache(bool)                            {}
func (NoopRecorder) SetSessions(int)                              {}
func (NoopRecorder) SetActiveTasks(int)                           {}
