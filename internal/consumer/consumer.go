// Package consumer collects the artifacts compiler integrations report during
// a round and forwards the output registrations into the output mapping.
package consumer

import (
	"slices"
	"sync"

	"git.home.luguber.info/inful/buildstate/internal/outputs"
	"git.home.luguber.info/inful/buildstate/internal/util/sets"
)

// Consumer accumulates the output registrations of one target. Its state is
// round scoped; the mapping it writes to is not.
type Consumer struct {
	mapping *outputs.Mapping

	mu        sync.Mutex
	processed sets.Set[string]
	generated map[string][]string
}

// New creates a consumer forwarding into mapping.
func New(mapping *outputs.Mapping) *Consumer {
	return &Consumer{
		mapping:   mapping,
		processed: sets.New[string](),
		generated: make(map[string][]string),
	}
}

// RegisterOutput records that sources produced output, an identifier relative
// to the output root, on behalf of builder. Every source is attempted; the
// first failure is returned.
func (c *Consumer) RegisterOutput(builder, output string, sources []string) error {
	var (
		first error
		ok    []string
	)
	for _, source := range sources {
		if err := c.mapping.AppendRawRelativeOutput(source, output); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		ok = append(ok, source)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed.AddAll(ok...)
	if len(ok) > 0 && !slices.Contains(c.generated[builder], output) {
		c.generated[builder] = append(c.generated[builder], output)
	}
	return first
}

// ProcessedSources returns the number of distinct sources with at least one
// registered output this round.
func (c *Consumer) ProcessedSources() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed.Len()
}

// Generated returns the registered outputs per builder.
func (c *Consumer) Generated() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]string, len(c.generated))
	for builder, outs := range c.generated {
		out[builder] = slices.Clone(outs)
	}
	return out
}

// Clear resets the round state. Registered outputs stay in the mapping.
func (c *Consumer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed = sets.New[string]()
	c.generated = make(map[string][]string)
}
