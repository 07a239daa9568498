// Package mock provides test doubles for the session package.
package mock

import (
	"context"
	"sync"

	"github.com/skaldhq/skald/pkg/types"
)

// Conn is a mock session.Conn that records delivered events. Safe for
// concurrent use.
type Conn struct {
	mu sync.Mutex

	// DeliverErr, when non-nil, is returned by every Deliver call. The
	// event is still recorded.
	DeliverErr error

	// CloseErr, when non-nil, is returned by Close.
	CloseErr error

	delivered  []types.Event
	closeCalls int
}

// Deliver records the event and returns DeliverErr.
func (c *Conn) Deliver(_ context.Context, ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, ev)
	return c.DeliverErr
}

// Close counts the call and returns CloseErr.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return c.CloseErr
}

// Delivered returns a snapshot of recorded events.
func (c *Conn) Delivered() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Event, len(c.delivered))
	copy(out, c.delivered)
	return out
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
