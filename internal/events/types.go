// Package events publishes output lifecycle notifications of build-state tracking.
//
// Events are fire-and-forget: they are published after the target lock is
// released and a failing publisher never changes the outcome of a round.
package events

import "time"

// Event is implemented by every notification.
type Event interface {
	Kind() string
	TargetID() string
}

// FilesGenerated lists outputs registered by one builder during a round.
type FilesGenerated struct {
	Target  string    `json:"target"`
	RoundID string    `json:"round_id,omitempty"`
	Builder string    `json:"builder,omitempty"`
	Outputs []string  `json:"outputs"`
	At      time.Time `json:"at"`
}

// FilesDeleted lists stale outputs removed from disk. Failed holds outputs
// that could not be deleted and stay registered.
type FilesDeleted struct {
	Target  string    `json:"target"`
	RoundID string    `json:"round_id,omitempty"`
	Reason  string    `json:"reason"`
	Outputs []string  `json:"outputs"`
	Failed  []string  `json:"failed,omitempty"`
	At      time.Time `json:"at"`
}

// RoundCommitted is emitted after a round updated stamps.
type RoundCommitted struct {
	Target      string        `json:"target"`
	RoundID     string        `json:"round_id"`
	Recompiled  int           `json:"recompiled"`
	Removed     int           `json:"removed"`
	FullRebuild bool          `json:"full_rebuild"`
	Duration    time.Duration `json:"duration"`
	At          time.Time     `json:"at"`
}

// RoundAborted is emitted when a round ends without committing.
type RoundAborted struct {
	Target  string    `json:"target"`
	RoundID string    `json:"round_id"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// BuilderConflict reports one output claimed by two builders.
type BuilderConflict struct {
	Target   string    `json:"target"`
	Output   string    `json:"output"`
	Builders []string  `json:"builders"`
	At       time.Time `json:"at"`
}

func (FilesGenerated) Kind() string  { return "files_generated" }
func (FilesDeleted) Kind() string    { return "files_deleted" }
func (RoundCommitted) Kind() string  { return "round_committed" }
func (RoundAborted) Kind() string    { return "round_aborted" }
func (BuilderConflict) Kind() string { return "builder_conflict" }

func (e FilesGenerated) TargetID() string  { return e.Target }
func (e FilesDeleted) TargetID() string    { return e.Target }
func (e RoundCommitted) TargetID() string  { return e.Target }
func (e RoundAborted) TargetID() string    { return e.Target }
func (e BuilderConflict) TargetID() string { return e.Target }
