package metrics

import "time"

// OutcomeLabel enumerates round outcomes for counters.
type OutcomeLabel string

const (
	OutcomeCommitted OutcomeLabel = "committed"
	OutcomeAborted   OutcomeLabel = "aborted"
	OutcomeCanceled  OutcomeLabel = "canceled"
	OutcomeFailed    OutcomeLabel = "failed"
)

// Recorder defines observability hooks for rounds, outputs and persistence.
// Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveRoundDuration(target string, d time.Duration)
	IncRoundOutcome(target string, outcome OutcomeLabel)
	SetDirtySources(target string, n int)
	AddOutputsDeleted(target string, n int)
	IncOutputDeleteFailure(target string)
	IncBuilderConflict(target string)
	ObserveCheckpointDuration(backend string, d time.Duration, success bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveRoundDuration(string, time.Duration)            {}
func (NoopRecorder) IncRoundOutcome(string, OutcomeLabel)                  {}
func (NoopRecorder) SetDirtySources(string, int)                           {}
func (NoopRecorder) AddOutputsDeleted(string, int)                         {}
func (NoopRecorder) IncOutputDeleteFailure(string)                         {}
func (NoopRecorder) IncBuilderConflict(string)                             {}
func (NoopRecorder) ObserveCheckpointDuration(string, time.Duration, bool) {}
