// Package metrics provides campaign observability hooks. Components receive a
// Recorder and default to NoopRecorder, so metrics can be switched on without
// touching the fuzzing code.
package metrics

import "time"

// Recorder defines observability hooks for a fuzzing campaign.
type Recorder interface {
	IncExecutions()
	IncInteresting()
	ObserveExecDuration(d time.Duration)
	SetGraphSize(states, transitions int)
	SetCorpusSize(n int)
	IncMutation(strategy string)
	IncImportSkipped(reason string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncExecutions()                    {}
func (NoopRecorder) IncInteresting()                   {}
func (NoopRecorder) ObserveExecDuration(time.Duration) {}
func (NoopRecorder) SetGraphSize(int, int)             {}
func (NoopRecorder) SetCorpusSize(int)                 {}
func (NoopRecorder) IncMutation(string)                {}
func (NoopRecorder) IncImportSkipped(string)           {}

// OrNoop returns r, or NoopRecorder if r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
