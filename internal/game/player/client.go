// Package player provides the connected-client handle the game session pushes
// events to, with a bounded inbox drained by a dedicated dispatch loop.
package player

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kidoz/emulinker-sub000/internal/game/session"
)

const (
	// DefaultQueueSize is the inbox capacity used when Options.QueueSize is 0.
	DefaultQueueSize = 2000
	// DefaultCriticalGrace is how long a critical event may wait for inbox
	// space before it is dropped.
	DefaultCriticalGrace = 100 * time.Millisecond
	// maxDropWarnings is the number of consecutive drops logged before the
	// warnings are suppressed until an event gets through again.
	maxDropWarnings = 10
	// backlogPercent is the fill level at which a backlog warning is logged.
	backlogPercent = 80
)

// Renderer turns an event into the client's wire messages.
type Renderer interface {
	Render(ctx context.Context, e session.Event) error
}

// RendererFunc adapts a function into a Renderer.
type RendererFunc func(ctx context.Context, e session.Event) error

// Render calls f(ctx, e).
func (f RendererFunc) Render(ctx context.Context, e session.Event) error { return f(ctx, e) }

// Info is the identity a client reported at login.
type Info struct {
	ID             int
	Name           string
	ConnectionType session.ConnectionType
	ClientType     string
	Address        string
}

// Options tunes a Client's inbox.
type Options struct {
	QueueSize     int
	CriticalGrace time.Duration
	Logger        *zap.Logger
	// OnDrop is called for every event discarded because the inbox was full.
	OnDrop func(critical bool)
}

// Client is a connected player. It implements session.Player.
// All methods are safe for concurrent use.
type Client struct {
	info   Info
	grace  time.Duration
	warnAt int
	logger *zap.Logger
	onDrop func(bool)

	events chan session.Event

	mu            sync.Mutex
	closed        bool
	drops         int
	backlogWarned bool
	dropped       int
}

// NewClient creates a Client with an open inbox.
//
// Precondition: info.ID must be unique among connected clients.
// Postcondition: Returns a Client whose inbox holds up to Options.QueueSize events.
func NewClient(info Info, opts Options) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.CriticalGrace <= 0 {
		opts.CriticalGrace = DefaultCriticalGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnDrop == nil {
		opts.OnDrop = func(bool) {}
	}
	return &Client{
		info:   info,
		grace:  opts.CriticalGrace,
		warnAt: opts.QueueSize * backlogPercent / 100,
		logger: opts.Logger.With(zap.Int("player", info.ID), zap.String("name", info.Name)),
		onDrop: opts.OnDrop,
		events: make(chan session.Event, opts.QueueSize),
	}
}

// ID returns the player id.
func (c *Client) ID() int { return c.info.ID }

// Name returns the display name.
func (c *Client) Name() string { return c.info.Name }

// ConnectionType returns the reported connection quality.
func (c *Client) ConnectionType() session.ConnectionType { return c.info.ConnectionType }

// ClientType returns the emulator identifier.
func (c *Client) ClientType() string { return c.info.ClientType }

// Address returns the network address.
func (c *Client) Address() string { return c.info.Address }

func (c *Client) String() string {
	return fmt.Sprintf("Client[id=%d name=%s]", c.info.ID, c.info.Name)
}

// Deliver enqueues e without blocking the caller, except for critical events,
// which may wait up to the grace period for room. Events that still do not fit
// are dropped.
func (c *Client) Deliver(e session.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.events <- e:
		c.accepted()
		return
	default:
	}

	critical := session.Critical(e)
	if critical {
		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case c.events <- e:
			c.accepted()
			return
		case <-timer.C:
		}
	}

	c.dropped++
	c.drops++
	c.onDrop(critical)
	switch {
	case critical:
		c.logger.Error("inbox full, dropping critical event", zap.String("event", fmt.Sprintf("%T", e)))
	case c.drops < maxDropWarnings:
		c.logger.Warn("inbox full, dropping event",
			zap.String("event", fmt.Sprintf("%T", e)),
			zap.Int("consecutive", c.drops),
		)
	case c.drops == maxDropWarnings:
		c.logger.Warn("inbox full, suppressing further drop warnings", zap.Int("consecutive", c.drops))
	}
}

// accepted resets the drop streak and tracks the backlog level.
func (c *Client) accepted() {
	c.drops = 0
	n := len(c.events)
	if n >= c.warnAt && !c.backlogWarned {
		c.backlogWarned = true
		c.logger.Warn("inbox backlog", zap.Int("queued", n), zap.Int("capacity", cap(c.events)))
	} else if n < c.warnAt {
		c.backlogWarned = false
	}
}

// Run drains the inbox into r until ctx is done or the client is closed.
// Render failures are logged and do not stop the loop.
//
// Postcondition: Returns nil after Close, or ctx.Err().
func (c *Client) Run(ctx context.Context, r Renderer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-c.events:
			if !ok {
				return nil
			}
			if err := r.Render(ctx, e); err != nil {
				c.logger.Warn("rendering event", zap.String("event", fmt.Sprintf("%T", e)), zap.Error(err))
			}
		}
	}
}

// Pending returns the number of queued events.
func (c *Client) Pending() int {
	return len(c.events)
}

// Dropped returns the number of events discarded since creation.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops accepting events and ends Run once the queue is drained.
//
// Postcondition: Further Deliver calls are no-ops. Close is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
