package consumer

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildstate/internal/events"
	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/logfields"
	"git.home.luguber.info/inful/buildstate/internal/metrics"
	"git.home.luguber.info/inful/buildstate/internal/outputs"
)

var (
	// ErrBuilderConflict is returned when an output was already registered by another builder.
	ErrBuilderConflict = errors.BuildError("output already registered by another builder").Build()
	// ErrTargetNotOpen is returned for registrations against a target without open state.
	ErrTargetNotOpen = errors.DomainMisuseError("target state is not open").Build()
)

// Artifact is one compiled unit reported by a compiler integration.
type Artifact struct {
	// Name is the binary class name; empty for outputs that are not classes.
	Name string
	// Output is relative to the output root of the target.
	Output  string
	Sources []string
	Content []byte
}

// Conflict describes one output claimed by two builders.
type Conflict struct {
	Target   string
	Output   string
	Previous string
	Builder  string
}

// MappingSource returns the output mapping of an open target.
type MappingSource interface {
	Mapping(targetID string) (*outputs.Mapping, bool)
}

// Chunk consumes the artifacts of every target compiled together in a chunk.
type Chunk struct {
	mappings  MappingSource
	logger    *slog.Logger
	recorder  metrics.Recorder
	publisher events.Publisher

	mu              sync.Mutex
	currentBuilder  string
	consumers       map[string]*Consumer
	artifacts       map[string]Artifact
	targetArtifacts map[string][]Artifact
	outputBuilders  map[string]string
	conflicts       []Conflict
}

// NewChunk creates a chunk consumer resolving targets through mappings.
func NewChunk(mappings MappingSource) *Chunk {
	c := &Chunk{
		mappings:  mappings,
		logger:    slog.Default(),
		recorder:  metrics.NoopRecorder{},
		publisher: events.NoopPublisher{},
	}
	c.reset()
	return c
}

// WithLogger sets a custom logger.
func (c *Chunk) WithLogger(logger *slog.Logger) *Chunk {
	c.logger = logger
	return c
}

// WithRecorder sets the metrics recorder.
func (c *Chunk) WithRecorder(r metrics.Recorder) *Chunk {
	if r != nil {
		c.recorder = r
	}
	return c
}

// WithPublisher sets the event publisher.
func (c *Chunk) WithPublisher(p events.Publisher) *Chunk {
	if p != nil {
		c.publisher = p
	}
	return c
}

func (c *Chunk) reset() {
	c.consumers = make(map[string]*Consumer)
	c.artifacts = make(map[string]Artifact)
	c.targetArtifacts = make(map[string][]Artifact)
	c.outputBuilders = make(map[string]string)
	c.conflicts = nil
}

// SetCurrentBuilder names the builder whose registrations follow.
func (c *Chunk) SetCurrentBuilder(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBuilder = name
}

// RegisterArtifact records a compiled artifact of target and registers its output.
func (c *Chunk) RegisterArtifact(target string, a Artifact) error {
	a.Sources = slices.Clone(a.Sources)
	if a.Name != "" {
		c.mu.Lock()
		c.artifacts[a.Name] = a
		c.targetArtifacts[target] = append(c.targetArtifacts[target], a)
		c.mu.Unlock()
	}
	return c.RegisterOutputFile(target, a.Output, a.Sources)
}

// RegisterOutputFile registers output for sources of target. When another
// builder already registered the same file the registration still happens and
// ErrBuilderConflict is returned.
func (c *Chunk) RegisterOutputFile(target, output string, sources []string) error {
	mapping, ok := c.mappings.Mapping(target)
	if !ok {
		return ErrTargetNotOpen.WithContext("target", target)
	}
	rel, err := mapping.NormalizeOutput(output)
	if err != nil {
		return err
	}
	file := mapping.ResolveOutput(rel)

	c.mu.Lock()
	builder := c.currentBuilder
	var conflict *Conflict
	if builder != "" {
		previous, seen := c.outputBuilders[file]
		c.outputBuilders[file] = builder
		if seen && previous != builder {
			conflict = &Conflict{Target: target, Output: rel, Previous: previous, Builder: builder}
			c.conflicts = append(c.conflicts, *conflict)
		}
	}
	consumer, ok := c.consumers[target]
	if !ok {
		consumer = New(mapping)
		c.consumers[target] = consumer
	}
	c.mu.Unlock()

	if err := consumer.RegisterOutput(builder, rel, sources); err != nil {
		return err
	}
	if conflict != nil {
		c.recorder.IncBuilderConflict(target)
		c.logger.Error("Output registered by two builders",
			logfields.Target(target),
			logfields.Output(rel),
			logfields.Builder(builder),
			slog.String("previous_builder", conflict.Previous))
		return ErrBuilderConflict.
			WithContext("target", target).
			WithContext("output", rel).
			WithContext("previous_builder", conflict.Previous).
			WithContext("builder", builder)
	}
	return nil
}

// LookupArtifact returns the artifact compiled this round under name.
func (c *Chunk) LookupArtifact(name string) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.artifacts[name]
	return a, ok
}

// CompiledArtifacts returns a copy of the name to artifact map.
func (c *Chunk) CompiledArtifacts() map[string]Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.artifacts)
}

// TargetArtifacts returns the named artifacts registered for target.
func (c *Chunk) TargetArtifacts(target string) []Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.targetArtifacts[target])
}

// Conflicts returns the builder conflicts seen this round.
func (c *Chunk) Conflicts() []Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.conflicts)
}

// ProcessedSources sums the processed sources of every target.
func (c *Chunk) ProcessedSources() int {
	c.mu.Lock()
	consumers := slices.Collect(maps.Values(c.consumers))
	c.mu.Unlock()

	total := 0
	for _, consumer := range consumers {
		total += consumer.ProcessedSources()
	}
	return total
}

// FireFilesGenerated publishes one event per target and builder with the
// outputs registered this round, and one event per builder conflict.
func (c *Chunk) FireFilesGenerated(ctx context.Context, roundID string) {
	c.mu.Lock()
	consumers := maps.Clone(c.consumers)
	conflicts := slices.Clone(c.conflicts)
	c.mu.Unlock()

	now := time.Now()
	targets := slices.Sorted(maps.Keys(consumers))
	for _, target := range targets {
		generated := consumers[target].Generated()
		for _, builder := range slices.Sorted(maps.Keys(generated)) {
			events.PublishQuietly(ctx, c.publisher, c.logger, events.FilesGenerated{
				Target:  target,
				RoundID: roundID,
				Builder: builder,
				Outputs: generated[builder],
				At:      now,
			})
		}
	}
	for _, conflict := range conflicts {
		events.PublishQuietly(ctx, c.publisher, c.logger, events.BuilderConflict{
			Target:   conflict.Target,
			Output:   conflict.Output,
			Builders: []string{conflict.Previous, conflict.Builder},
			At:       now,
		})
	}
}

// Clear resets every in-memory structure between rounds.
func (c *Chunk) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBuilder = ""
	c.reset()
}
