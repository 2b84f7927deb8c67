package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kidoz/emulinker-sub000/internal/game/action"
	"github.com/kidoz/emulinker-sub000/internal/game/autofire"
)

// auditTimeout bounds a single AuditStore write from the detector worker.
const auditTimeout = 5 * time.Second

// seat is one fixed position in a started game.
type seat struct {
	number Seat
	player Player
	buf    *action.Buffer
	// left is set once the player dropped or quit; the seat number is never
	// reused until the next Start.
	left bool
}

// Game is one netplay session. All methods are safe for concurrent use.
type Game struct {
	id        int
	name      string
	createdAt time.Time
	owner     Player

	policy   Policy
	access   AccessChecker
	sink     EventSink
	recorder Recorder
	audit    AuditStore
	logger   *zap.Logger
	detector *autofire.Detector
	onClose  func(*Game)

	mu             sync.RWMutex
	players        []Player
	kicked         map[int]bool
	status         Status
	framesPerBatch int
	seats          []*seat
	// round increments on every Start so a merge that outlives its round
	// never reports success against a restarted game.
	round  int
	closed bool
}

func newGame(id int, owner Player, name string, opts Options, onClose func(*Game)) *Game {
	g := &Game{
		id:        id,
		name:      name,
		createdAt: opts.Now(),
		owner:     owner,
		policy:    opts.Policy,
		access:    opts.Access,
		sink:      opts.Sink,
		recorder:  opts.Recorder,
		audit:     opts.Audit,
		logger:    opts.Logger.With(zap.Int("game", id), zap.String("rom", name)),
		onClose:   onClose,
		kicked:    make(map[int]bool),
		status:    StatusWaiting,
	}
	g.detector = autofire.NewDetector(
		autofire.Level(opts.Policy.AutofireSensitivity),
		opts.Scheduler,
		g.reportAutofire,
		g.logger,
	)
	return g
}

// ID returns the game id.
func (g *Game) ID() int { return g.id }

// Name returns the ROM name the game was created with.
func (g *Game) Name() string { return g.name }

// Owner returns the player that created the game.
func (g *Game) Owner() Player { return g.owner }

// CreatedAt returns the creation time.
func (g *Game) CreatedAt() time.Time { return g.createdAt }

func (g *Game) String() string {
	return fmt.Sprintf("Game[id=%d name=%s]", g.id, g.name)
}

// Status returns the current status.
func (g *Game) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// Players returns a snapshot of the members in join order.
func (g *Game) Players() []Player {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.members()
}

// NumPlayers returns the member count.
func (g *Game) NumPlayers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.players)
}

// SeatOf returns the seat p holds in the running round. A Waiting game has no
// seats.
func (g *Game) SeatOf(p Player) (Seat, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.status == StatusWaiting {
		return 0, false
	}
	if s := g.seatLocked(p); s != nil {
		return s.number, true
	}
	return 0, false
}

// SynchronizedCount returns the number of seats still taking part in the merge.
func (g *Game) SynchronizedCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.syncedCountLocked()
}

// FramesPerBatch returns the batch size fixed at the last Start, or 0.
func (g *Game) FramesPerBatch() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.framesPerBatch
}

// Sensitivity returns the autofire detector level.
func (g *Game) Sensitivity() int {
	return int(g.detector.Level())
}

// Join adds p to the game and returns its position.
//
// Precondition: p must be non-nil.
// Postcondition: On success p is the last member and PlayerJoined was emitted;
// on error membership is unchanged.
func (g *Game) Join(p Player) (Seat, error) {
	var out outbox
	g.mu.Lock()
	pos, err := g.joinLocked(p, &out)
	g.mu.Unlock()
	g.publish(out)
	if err != nil {
		g.logger.Warn("join rejected", zap.Int("player", p.ID()), zap.Error(err))
		return 0, err
	}
	g.logger.Info("player joined",
		zap.Int("player", p.ID()),
		zap.String("name", p.Name()),
		zap.Int("position", int(pos)),
	)
	return pos, nil
}

func (g *Game) joinLocked(p Player, out *outbox) (Seat, error) {
	if g.closed {
		return 0, fmt.Errorf("%w: game is closed", ErrInvalidState)
	}
	if g.indexLocked(p) >= 0 {
		return 0, fmt.Errorf("%w: %s", ErrAlreadySeated, p.Name())
	}
	elevated := g.access.AccessLevel(p).Elevated()
	if !elevated && g.kicked[p.ID()] {
		return 0, fmt.Errorf("%w: %s", ErrPreviouslyKicked, p.Name())
	}
	if !elevated && g.status != StatusWaiting {
		return 0, fmt.Errorf("%w: game is in progress", ErrInvalidState)
	}
	if g.policy.MaxPlayers > 0 && len(g.players) >= g.policy.MaxPlayers {
		return 0, fmt.Errorf("%w: limit is %d players", ErrCapacityExceeded, g.policy.MaxPlayers)
	}

	g.players = append(g.players, p)
	out.add(ScopeServer, nil, g.statusEventLocked())
	out.add(ScopeSession, g.members(), PlayerJoinedEvent{GameID: g.id, Player: p})

	if samePlayer(p, g.owner) {
		level := g.detector.Level()
		text := "Autofire detection is disabled."
		if level.Enabled() {
			text = fmt.Sprintf("Autofire detection is enabled at sensitivity %d.", level)
		}
		out.add(ScopePlayer, []Player{p}, AnnouncementEvent{GameID: g.id, Text: text})
	}
	return Seat(len(g.players)), nil
}

// Start fixes the seats and moves the game to Synchronizing.
//
// Precondition: p must be the owner.
// Postcondition: On success every member holds a seat 1..N in join order, each
// seat owns an unsynchronized action buffer, and GameStarted was emitted.
func (g *Game) Start(p Player) error {
	var out outbox
	g.mu.Lock()
	err := g.startLocked(p, &out)
	g.mu.Unlock()
	g.publish(out)
	if err != nil {
		g.logger.Warn("start rejected", zap.Int("player", p.ID()), zap.Error(err))
	}
	return err
}

func (g *Game) startLocked(p Player, out *outbox) error {
	if g.closed {
		return fmt.Errorf("%w: game is closed", ErrInvalidState)
	}
	if !samePlayer(p, g.owner) {
		return fmt.Errorf("%w: only the owner may start the game", ErrPolicyViolation)
	}
	if g.status != StatusWaiting {
		return fmt.Errorf("%w: game is already %s", ErrInvalidState, g.status)
	}
	if !g.access.AccessLevel(p).Elevated() && len(g.players) < 2 && !g.policy.AllowSinglePlayer {
		return fmt.Errorf("%w: single player games are not allowed", ErrPolicyViolation)
	}

	ownerConn := g.owner.ConnectionType()
	ownerClient := g.owner.ClientType()
	for _, m := range g.players {
		if m.ConnectionType() != ownerConn {
			out.add(ScopeSession, g.members(), AnnouncementEvent{
				GameID: g.id,
				Text: fmt.Sprintf("%s is using %s connection type but the owner is using %s",
					m.Name(), m.ConnectionType(), ownerConn),
			})
			return fmt.Errorf("%w: connection type mismatch for %s", ErrPolicyViolation, m.Name())
		}
		if m.ClientType() != ownerClient {
			out.add(ScopeSession, g.members(), AnnouncementEvent{
				GameID: g.id,
				Text: fmt.Sprintf("%s is using a different emulator than the owner (%s)",
					m.Name(), ownerClient),
			})
			return fmt.Errorf("%w: client type mismatch for %s", ErrPolicyViolation, m.Name())
		}
	}

	fpb := ownerConn.FramesPerBatch()
	if fpb <= 0 {
		g.logger.Error("owner has invalid connection type", zap.Uint8("connection_type", uint8(ownerConn)))
		return fmt.Errorf("%w: owner connection type %d", ErrInvariant, ownerConn)
	}
	if len(g.players) == 0 {
		g.logger.Error("start with no members")
		return fmt.Errorf("%w: no members", ErrInvariant)
	}

	g.framesPerBatch = fpb
	g.round++
	n := len(g.players)
	g.seats = make([]*seat, n)
	g.detector.Start(n)
	for i, m := range g.players {
		g.seats[i] = &seat{
			number: Seat(i + 1),
			player: m,
			buf:    action.NewBuffer(g.policy.BufferSize, n),
		}
		g.detector.AddPlayer(autofire.Subject{
			Seat:     i + 1,
			PlayerID: m.ID(),
			Name:     m.Name(),
			Address:  m.Address(),
		})
	}

	g.setStatusLocked(StatusSynchronizing, out)
	g.recorder.GameStarted()
	out.add(ScopeSession, g.members(), GameStartedEvent{GameID: g.id, Seats: n, FramesPerBatch: fpb})
	g.logger.Info("game started", zap.Int("seats", n), zap.Int("frames_per_batch", fpb))
	return nil
}

// Ready marks seat as synchronized. When every remaining seat is ready the
// game moves to Playing and AllReady is emitted exactly once.
func (g *Game) Ready(p Player, seat Seat) error {
	var out outbox
	g.mu.Lock()
	err := g.readyLocked(p, seat, &out)
	g.mu.Unlock()
	g.publish(out)
	if err != nil {
		g.logger.Warn("ready rejected", zap.Int("player", p.ID()), zap.Int("seat", int(seat)), zap.Error(err))
	}
	return err
}

func (g *Game) readyLocked(p Player, seat Seat, out *outbox) error {
	if g.status != StatusSynchronizing {
		return fmt.Errorf("%w: game is %s", ErrInvalidState, g.status)
	}
	s, err := g.seatForLocked(p, seat)
	if err != nil {
		return err
	}
	if s.left {
		return fmt.Errorf("%w: seat %d has left", ErrInvalidState, seat)
	}
	s.buf.SetSynchronized(true)
	g.checkAllReadyLocked(out)
	return nil
}

// Drop removes seat from the running game without leaving membership.
//
// Postcondition: The seat's buffer is unsynchronized and blocked readers are
// released; other seat numbers are unchanged.
func (g *Game) Drop(p Player, seat Seat) error {
	var out outbox
	g.mu.Lock()
	err := g.dropLocked(p, seat, &out)
	g.mu.Unlock()
	g.publish(out)
	if err != nil {
		g.logger.Warn("drop rejected", zap.Int("player", p.ID()), zap.Int("seat", int(seat)), zap.Error(err))
		return err
	}
	g.recorder.PlayerDropped()
	g.logger.Info("player dropped", zap.Int("player", p.ID()), zap.Int("seat", int(seat)))
	return nil
}

func (g *Game) dropLocked(p Player, seat Seat, out *outbox) error {
	if g.status != StatusSynchronizing && g.status != StatusPlaying {
		return fmt.Errorf("%w: game is %s", ErrInvalidState, g.status)
	}
	s, err := g.seatForLocked(p, seat)
	if err != nil {
		return err
	}
	if s.left {
		return fmt.Errorf("%w: seat %d is not playing", ErrInvalidState, seat)
	}
	g.leaveSeatLocked(s, out)
	out.add(ScopeSession, g.members(), PlayerDroppedEvent{GameID: g.id, Player: p, Seat: seat})
	return nil
}

// Quit removes p from the game. The owner quitting closes the game.
func (g *Game) Quit(p Player, message string) error {
	var out outbox
	g.mu.Lock()
	if g.indexLocked(p) < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSeated, p.Name())
	}
	closing := g.removeLocked(p, message, &out)
	g.mu.Unlock()
	g.logger.Info("player quit", zap.Int("player", p.ID()), zap.Bool("owner", closing))
	g.finish(closing, out)
	return nil
}

// Kick removes target from the game and bars it from rejoining.
//
// Precondition: p must be the owner and targetID must not be the owner.
func (g *Game) Kick(p Player, targetID int) error {
	var out outbox
	g.mu.Lock()
	target, err := g.kickLocked(p, targetID)
	if err != nil {
		g.mu.Unlock()
		g.logger.Warn("kick rejected", zap.Int("player", p.ID()), zap.Int("target", targetID), zap.Error(err))
		return err
	}
	g.kicked[targetID] = true
	g.removeLocked(target, "kicked", &out)
	g.mu.Unlock()
	g.logger.Info("player kicked", zap.Int("target", targetID))
	g.publish(out)
	return nil
}

func (g *Game) kickLocked(p Player, targetID int) (Player, error) {
	if !samePlayer(p, g.owner) {
		return nil, fmt.Errorf("%w: only the owner may kick", ErrPolicyViolation)
	}
	if targetID == g.owner.ID() {
		return nil, fmt.Errorf("%w: the owner cannot be kicked", ErrPolicyViolation)
	}
	for _, m := range g.players {
		if m.ID() == targetID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: player %d", ErrNotSeated, targetID)
}

// Close ends the game on behalf of its owner.
func (g *Game) Close(p Player) error {
	if !samePlayer(p, g.owner) {
		return fmt.Errorf("%w: only the owner may close the game", ErrPolicyViolation)
	}
	var out outbox
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("%w: game is closed", ErrInvalidState)
	}
	g.closeLocked(&out)
	g.mu.Unlock()
	g.finish(true, out)
	return nil
}

// Chat relays message from a member to every member.
func (g *Game) Chat(p Player, message string) error {
	g.mu.RLock()
	if g.indexLocked(p) < 0 {
		g.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotSeated, p.Name())
	}
	if message == "" {
		g.mu.RUnlock()
		return fmt.Errorf("%w: empty chat message", ErrPolicyViolation)
	}
	env := Envelope{Scope: ScopeSession, Recipients: g.members(), Event: ChatEvent{GameID: g.id, Player: p, Message: message}}
	g.mu.RUnlock()
	g.sink.Publish(env)
	return nil
}

// Announce sends a server notice to every member.
func (g *Game) Announce(text string) {
	g.mu.RLock()
	env := Envelope{Scope: ScopeSession, Recipients: g.members(), Event: AnnouncementEvent{GameID: g.id, Text: text}}
	g.mu.RUnlock()
	g.sink.Publish(env)
}

// DroppedPacket desynchronizes the seat of a player whose client reported a
// lost packet it cannot recover from.
func (g *Game) DroppedPacket(p Player) {
	var out outbox
	g.mu.Lock()
	if g.status == StatusPlaying {
		if s := g.seatLocked(p); s != nil && !s.left && s.buf.Synchronized() {
			g.desyncSeatLocked(s, ReasonDroppedPacket, &out)
		}
	}
	g.mu.Unlock()
	g.publish(out)
}

// SetSensitivity changes the autofire detector level for the next Start.
//
// Precondition: p must be the owner; the game must be Waiting.
func (g *Game) SetSensitivity(p Player, level int) error {
	if !samePlayer(p, g.owner) {
		return fmt.Errorf("%w: only the owner may change autofire detection", ErrPolicyViolation)
	}
	g.mu.Lock()
	if g.status != StatusWaiting {
		g.mu.Unlock()
		return fmt.Errorf("%w: autofire detection can only change while waiting", ErrInvalidState)
	}
	if err := g.detector.SetLevel(autofire.Level(level)); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	g.mu.Unlock()

	text := "Autofire detection is disabled."
	if level > 0 {
		text = fmt.Sprintf("Autofire detection sensitivity set to %d.", level)
	}
	g.Announce(text)
	g.logger.Info("autofire sensitivity changed", zap.Int("sensitivity", level))
	return nil
}

// removeLocked takes p out of the member list and its seat out of the merge.
// It reports whether p was the owner, in which case the game is now closed.
func (g *Game) removeLocked(p Player, message string, out *outbox) bool {
	recipients := g.members()
	idx := g.indexLocked(p)
	g.players = slices.Delete(g.players, idx, idx+1)
	if s := g.seatLocked(p); s != nil && !s.left {
		g.leaveSeatLocked(s, out)
	}
	out.add(ScopeSession, recipients, PlayerQuitEvent{GameID: g.id, Player: p, Message: message})

	if samePlayer(p, g.owner) {
		g.closeLocked(out)
		return true
	}
	out.add(ScopeServer, nil, g.statusEventLocked())
	return false
}

// closeLocked desynchronizes every buffer and clears the members. Detector
// workers are signalled by finish once the lock is released.
func (g *Game) closeLocked(out *outbox) {
	g.closed = true
	g.desyncAllLocked()
	g.players = nil
	g.seats = nil
	g.status = StatusWaiting
	out.add(ScopeServer, nil, GameClosedEvent{GameID: g.id})
	g.logger.Info("game closed")
}

func (g *Game) finish(closing bool, out outbox) {
	if closing {
		g.detector.StopAll()
		g.recorder.GameClosed()
		if g.onClose != nil {
			g.onClose(g)
		}
	}
	g.publish(out)
}

// leaveSeatLocked takes s out of the merge and re-evaluates the game status.
func (g *Game) leaveSeatLocked(s *seat, out *outbox) {
	s.left = true
	s.buf.SetSynchronized(false)
	g.detector.Stop(int(s.number))

	switch g.status {
	case StatusPlaying:
		g.applyQuorumLocked(out)
	case StatusSynchronizing:
		if g.activeCountLocked() < g.quorum() {
			g.revertLocked(out)
		} else {
			g.checkAllReadyLocked(out)
		}
	}
}

// desyncSeatLocked removes a playing seat from the merge and applies the
// quorum rule.
func (g *Game) desyncSeatLocked(s *seat, reason string, out *outbox) {
	s.buf.SetSynchronized(false)
	g.recorder.PlayerDesynced()
	g.logger.Info("player desynchronized",
		zap.Int("seat", int(s.number)),
		zap.Int("player", s.player.ID()),
		zap.String("reason", reason),
	)
	out.add(ScopeSession, g.members(), PlayerDesynchronizedEvent{
		GameID: g.id,
		Player: s.player,
		Seat:   s.number,
		Reason: reason,
	})
	g.applyQuorumLocked(out)
}

// applyQuorumLocked reverts a Playing game with too few synchronized seats.
func (g *Game) applyQuorumLocked(out *outbox) {
	if g.status != StatusPlaying || g.syncedCountLocked() >= g.quorum() {
		return
	}
	g.logger.Info("too few synchronized players, desynchronizing game",
		zap.Int("synchronized", g.syncedCountLocked()))
	for _, s := range g.seats {
		if s.left || !s.buf.Synchronized() {
			continue
		}
		out.add(ScopeSession, g.members(), PlayerDesynchronizedEvent{
			GameID: g.id,
			Player: s.player,
			Seat:   s.number,
			Reason: ReasonQuorumLost,
		})
	}
	g.revertLocked(out)
}

func (g *Game) revertLocked(out *outbox) {
	g.desyncAllLocked()
	g.detector.StopAll()
	g.setStatusLocked(StatusWaiting, out)
}

func (g *Game) checkAllReadyLocked(out *outbox) {
	if g.status != StatusSynchronizing {
		return
	}
	active := g.activeCountLocked()
	synced := g.syncedCountLocked()
	if active == 0 || synced < active || synced < g.quorum() {
		return
	}
	g.setStatusLocked(StatusPlaying, out)
	g.recorder.PlayersSynced()
	out.add(ScopeSession, g.members(), AllReadyEvent{GameID: g.id})
	g.logger.Info("all players ready", zap.Int("seats", synced))
}

func (g *Game) desyncAllLocked() {
	for _, s := range g.seats {
		s.buf.SetSynchronized(false)
	}
}

func (g *Game) setStatusLocked(status Status, out *outbox) {
	g.status = status
	out.add(ScopeServer, nil, g.statusEventLocked())
}

func (g *Game) statusEventLocked() StatusChangedEvent {
	return StatusChangedEvent{GameID: g.id, Status: g.status, NumPlayers: len(g.players)}
}

// quorum is the number of synchronized seats a Playing game needs.
func (g *Game) quorum() int {
	return min(2, len(g.seats))
}

func (g *Game) syncedCountLocked() int {
	n := 0
	for _, s := range g.seats {
		if !s.left && s.buf.Synchronized() {
			n++
		}
	}
	return n
}

func (g *Game) activeCountLocked() int {
	n := 0
	for _, s := range g.seats {
		if !s.left {
			n++
		}
	}
	return n
}

func (g *Game) indexLocked(p Player) int {
	return slices.IndexFunc(g.players, func(m Player) bool { return samePlayer(m, p) })
}

func (g *Game) seatLocked(p Player) *seat {
	for _, s := range g.seats {
		if samePlayer(s.player, p) {
			return s
		}
	}
	return nil
}

// seatForLocked validates that seat exists and belongs to p.
func (g *Game) seatForLocked(p Player, seat Seat) (*seat, error) {
	if !seat.valid(len(g.seats)) {
		g.logger.Error("seat out of range",
			zap.Int("seat", int(seat)),
			zap.Int("seats", len(g.seats)),
			zap.Int("player", p.ID()),
		)
		return nil, fmt.Errorf("%w: seat %d of %d", ErrInvariant, seat, len(g.seats))
	}
	s := g.seats[seat.index()]
	if !samePlayer(s.player, p) {
		return nil, fmt.Errorf("%w: seat %d belongs to another player", ErrNotSeated, seat)
	}
	return s, nil
}

func (g *Game) members() []Player {
	return slices.Clone(g.players)
}

func (g *Game) publish(out outbox) {
	for _, env := range out {
		g.sink.Publish(env)
	}
}

func (g *Game) reportAutofire(h autofire.Hit) {
	g.recorder.AutofireDetected()
	g.logger.Info("autofire detected",
		zap.String("audit", "autofire"),
		zap.Time("detected_at", h.DetectedAt),
		zap.Time("game_created_at", g.createdAt),
		zap.Int("run_length", h.RunLength),
		zap.Int("sensitivity", int(h.Level)),
		zap.Int("seat", h.Subject.Seat),
		zap.Int("player", h.Subject.PlayerID),
		zap.String("name", h.Subject.Name),
		zap.String("address", h.Subject.Address),
	)
	g.Announce(fmt.Sprintf("%s: autofire detected", h.Subject.Name))

	if g.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	err := g.audit.RecordDetection(ctx, Detection{
		ID:            uuid.New(),
		GameID:        g.id,
		ROM:           g.name,
		GameCreatedAt: g.createdAt,
		PlayerID:      h.Subject.PlayerID,
		PlayerName:    h.Subject.Name,
		Address:       h.Subject.Address,
		Seat:          h.Subject.Seat,
		Sensitivity:   int(h.Level),
		RunLength:     h.RunLength,
		DetectedAt:    h.DetectedAt,
	})
	if err != nil {
		g.logger.Warn("recording autofire detection", zap.Error(err))
	}
}
