package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kidoz/emulinker-sub000/internal/game/autofire"
)

// maxGameID is the largest id handed out before wrapping back to 1.
const maxGameID = 0xFFFF

// ErrTooManyGames is returned by Create when the game limit is reached or
// every id is in use.
var ErrTooManyGames = errors.New("too many games")

// Options configures every Game a Manager creates. Zero fields take defaults.
type Options struct {
	Policy Policy
	// MaxGames caps the number of open games; 0 means unlimited.
	MaxGames  int
	Access    AccessChecker
	Sink      EventSink
	Recorder  Recorder
	Audit     AuditStore
	Scheduler autofire.Scheduler
	Logger    *zap.Logger
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	def := DefaultPolicy()
	if o.Policy.BufferSize <= 0 {
		o.Policy.BufferSize = def.BufferSize
	}
	if o.Policy.FrameTimeout <= 0 {
		o.Policy.FrameTimeout = def.FrameTimeout
	}
	if o.Policy.DesynchTimeouts < 0 {
		o.Policy.DesynchTimeouts = def.DesynchTimeouts
	}
	if o.Access == nil {
		o.Access = everyoneNormal
	}
	if o.Sink == nil {
		o.Sink = DirectSink{}
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Scheduler == nil {
		o.Scheduler = autofire.GoScheduler{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager tracks all open games.
// All methods are safe for concurrent use.
type Manager struct {
	opts Options

	mu     sync.RWMutex
	games  map[int]*Game
	lastID int
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:  opts.withDefaults(),
		games: make(map[int]*Game),
	}
}

// Create opens a new Waiting game owned by owner and seats the owner first.
//
// Precondition: owner must be non-nil; name must be non-empty.
// Postcondition: Returns the registered game with the owner as its only member,
// or an error if the name is empty or every id is taken.
func (m *Manager) Create(owner Player, name string) (*Game, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: game name must not be empty", ErrPolicyViolation)
	}

	m.mu.Lock()
	if m.opts.MaxGames > 0 && len(m.games) >= m.opts.MaxGames {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyGames, m.opts.MaxGames)
	}
	id, err := m.nextIDLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	g := newGame(id, owner, name, m.opts, m.remove)
	m.games[id] = g
	m.mu.Unlock()

	m.opts.Recorder.GameCreated()
	m.opts.Logger.Info("game created",
		zap.Int("game", id),
		zap.String("rom", name),
		zap.Int("owner", owner.ID()),
	)
	if _, err := g.Join(owner); err != nil {
		m.remove(g)
		return nil, fmt.Errorf("seating owner: %w", err)
	}
	return g, nil
}

func (m *Manager) nextIDLocked() (int, error) {
	for i := 0; i < maxGameID; i++ {
		m.lastID++
		if m.lastID > maxGameID {
			m.lastID = 1
		}
		if _, used := m.games[m.lastID]; !used {
			return m.lastID, nil
		}
	}
	return 0, fmt.Errorf("%w: no free game id", ErrTooManyGames)
}

// Get returns the game with the given id.
//
// Postcondition: Returns (game, true) if found, or (nil, false) otherwise.
func (m *Manager) Get(id int) (*Game, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	return g, ok
}

// Close closes the game with the given id on behalf of p.
//
// Precondition: p must own the game.
// Postcondition: The game is closed and unregistered, or an error is returned.
func (m *Manager) Close(id int, p Player) error {
	g, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("game %d not found", id)
	}
	return g.Close(p)
}

// Leave quits p from every game it belongs to, as when its connection ends.
// Games p owns are closed.
//
// Postcondition: p is a member of no open game. Returns the number of games left.
func (m *Manager) Leave(p Player, message string) int {
	n := 0
	for _, g := range m.Games() {
		if err := g.Quit(p, message); err == nil {
			n++
		}
	}
	return n
}

// CloseAll closes every open game on behalf of its owner.
//
// Postcondition: GameCount is 0 unless games were created concurrently.
func (m *Manager) CloseAll() {
	for _, g := range m.Games() {
		if err := g.Close(g.Owner()); err != nil && !errors.Is(err, ErrInvalidState) {
			m.opts.Logger.Warn("closing game", zap.Int("game", g.ID()), zap.Error(err))
		}
	}
}

// Games returns the open games ordered by id.
func (m *Manager) Games() []*Game {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Game, 0, len(m.games))
	for _, g := range m.games {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b *Game) int { return a.id - b.id })
	return out
}

// GameCount returns the number of open games.
func (m *Manager) GameCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.games)
}

// PlayingCount returns the number of games currently Playing.
func (m *Manager) PlayingCount() int {
	n := 0
	for _, g := range m.Games() {
		if g.Status() == StatusPlaying {
			n++
		}
	}
	return n
}

func (m *Manager) remove(g *Game) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.games[g.id] == g {
		delete(m.games, g.id)
	}
}
