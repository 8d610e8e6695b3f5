package round

import (
	"slices"
	"sync"
)

// BuildContext is what the surrounding build reports about a round.
type BuildContext interface {
	ReportFatalError(err error)
	HasFatalError() bool
	IsCancelled() bool
	// RemovedSources lists sources deleted from the target since the last round.
	RemovedSources() []string
}

// Context is a BuildContext for callers without one of their own.
type Context struct {
	mu        sync.Mutex
	fatal     []error
	cancelled bool
	removed   []string
}

// NewContext creates a context reporting removed as deleted sources.
func NewContext(removed ...string) *Context {
	return &Context{removed: slices.Clone(removed)}
}

func (c *Context) ReportFatalError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fatal = append(c.fatal, err)
}

func (c *Context) HasFatalError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fatal) > 0
}

// FatalErrors returns every reported error.
func (c *Context) FatalErrors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.fatal)
}

// Cancel marks the build as cancelled.
func (c *Context) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

func (c *Context) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Context) RemovedSources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.removed)
}
