package player

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/kidoz/emulinker-sub000/internal/game/session"
)

// ErrDuplicateID is returned by Connect when the id is already connected.
var ErrDuplicateID = errors.New("player id already connected")

// Registry tracks the connected clients and fans server-wide events out to
// all of them. All methods are safe for concurrent use.
type Registry struct {
	opts   Options
	leave  func(session.Player, string)
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[int]*Client
}

// NewRegistry creates an empty Registry whose clients share opts. leave is
// called when a client disconnects so it can be taken out of its games; it
// may be nil.
func NewRegistry(opts Options, leave func(session.Player, string)) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if leave == nil {
		leave = func(session.Player, string) {}
	}
	return &Registry{
		opts:    opts,
		leave:   leave,
		logger:  opts.Logger,
		clients: make(map[int]*Client),
	}
}

// Connect registers a new client for info.
//
// Postcondition: Returns the connected Client, or ErrDuplicateID.
func (r *Registry) Connect(info Info) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[info.ID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, info.ID)
	}
	c := NewClient(info, r.opts)
	r.clients[info.ID] = c
	r.logger.Info("player connected",
		zap.Int("player", info.ID),
		zap.String("name", info.Name),
		zap.String("address", info.Address),
		zap.Stringer("connection", info.ConnectionType),
	)
	return c, nil
}

// Disconnect removes the client, quits it from its games with message and
// closes its inbox. Unknown ids are ignored.
func (r *Registry) Disconnect(id int, message string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.leave(c, message)
	c.Close()
	r.logger.Info("player disconnected",
		zap.Int("player", id),
		zap.String("message", message),
		zap.Int("dropped_events", c.Dropped()),
	)
}

// Get returns the connected client with the given id.
func (r *Registry) Get(id int) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Len returns the number of connected clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Clients returns the connected clients ordered by id.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Client) int { return a.ID() - b.ID() })
	return out
}

// Broadcast delivers e to every connected client. It serves as the lobby
// target of a session.DirectSink.
func (r *Registry) Broadcast(e session.Event) {
	for _, c := range r.Clients() {
		c.Deliver(e)
	}
}

// DisconnectAll disconnects every client with message.
func (r *Registry) DisconnectAll(message string) {
	for _, c := range r.Clients() {
		r.Disconnect(c.ID(), message)
	}
}
