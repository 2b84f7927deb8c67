package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kidoz/emulinker-sub000/internal/game/action"
)

// Submit appends one batch of p's input to its seat's buffer and blocks until
// one frame of every seat has been merged for each frame in the batch.
//
// The merged layout is frame-major then seat-minor: the bytes seat k (1-based)
// produced for frame f start at f*(N*bpf) + (k-1)*bpf, where N is the seat
// count and bpf = len(data)/FramesPerBatch. A seat that desynchronizes while
// the merge waits on it contributes zero bytes.
//
// Precondition: the game is Playing and seat belongs to p.
// Postcondition: On success the merged batch is returned and delivered to p as
// a MergedFrameEvent. Frame timeouts are handled internally and never returned.
func (g *Game) Submit(ctx context.Context, p Player, seat Seat, data []byte) ([]byte, error) {
	g.mu.Lock()
	if g.status != StatusPlaying {
		status := g.status
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: game is %s", ErrDesynchronized, status)
	}
	s, err := g.seatForLocked(p, seat)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if s.left || !s.buf.Synchronized() {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: seat %d is no longer synchronized", ErrDesynchronized, seat)
	}
	fpb := g.framesPerBatch
	if len(data) == 0 || len(data)%fpb != 0 {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d frames", ErrInvalidBatch, len(data), fpb)
	}
	bpf := len(data) / fpb
	if limit := g.policy.MaxFrameSize; limit > 0 && bpf > limit {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %d byte frame exceeds the %d byte limit", ErrInvalidBatch, bpf, limit)
	}
	// A lagging reader may still owe the previous batch, so two batches must
	// fit the ring without wrapping onto unread bytes.
	if 2*len(data) >= s.buf.Capacity() {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %d byte batch needs a buffer larger than %d", ErrInvalidBatch, len(data), s.buf.Capacity())
	}
	bufs := make([]*action.Buffer, len(g.seats))
	for i, other := range g.seats {
		bufs[i] = other.buf
	}
	round := g.round
	timeout := g.policy.FrameTimeout
	s.buf.Append(data)
	g.mu.Unlock()

	g.detector.Feed(int(seat), data, bpf)

	if !g.playingRound(round) {
		return nil, fmt.Errorf("%w: game left Playing", ErrDesynchronized)
	}

	n := len(bufs)
	merged := make([]byte, fpb*n*bpf)
	consumer := seat.index()
	for frame := 0; frame < fpb; frame++ {
		for other, buf := range bufs {
			off := frame*n*bpf + other*bpf
			// seq counts consecutive deadlines missed by this seat for this frame.
			for seq := 1; ; seq++ {
				_, err := buf.Read(ctx, consumer, merged[off:off+bpf], timeout)
				if err == nil {
					break
				}
				if !errors.Is(err, action.ErrTimeout) {
					return nil, fmt.Errorf("merging seat %d: %w", other+1, err)
				}
				g.handleTimeout(&PlayerTimeoutError{Seat: Seat(other + 1), Sequence: seq}, buf)
			}
		}
	}

	if !g.playingRound(round) {
		return nil, fmt.Errorf("%w: game left Playing during merge", ErrDesynchronized)
	}
	g.sink.Publish(Envelope{
		Scope:      ScopePlayer,
		Recipients: []Player{p},
		Event:      MergedFrameEvent{GameID: g.id, Seat: seat, Data: merged},
	})
	return merged, nil
}

// handleTimeout turns one missed frame deadline into a PlayerTimeout event or,
// at the configured threshold, a desynchronization of the lagging seat. Each
// sequence number is reported at most once per seat no matter how many
// concurrent merges observe it.
func (g *Game) handleTimeout(te *PlayerTimeoutError, buf *action.Buffer) {
	var out outbox
	g.mu.Lock()
	g.handleTimeoutLocked(te, buf, &out)
	g.mu.Unlock()
	g.publish(out)
}

func (g *Game) handleTimeoutLocked(te *PlayerTimeoutError, buf *action.Buffer, out *outbox) {
	if g.status != StatusPlaying || !buf.Synchronized() {
		return
	}
	if !te.Seat.valid(len(g.seats)) || g.seats[te.Seat.index()].buf != buf {
		return
	}
	if !buf.MarkTimeout(te.Sequence) {
		return
	}
	s := g.seats[te.Seat.index()]
	if te.Sequence < g.policy.DesynchTimeouts {
		g.recorder.PlayerTimeout()
		g.logger.Info("player timeout",
			zap.Int("seat", int(te.Seat)),
			zap.Int("sequence", te.Sequence),
			zap.Int("player", s.player.ID()),
		)
		out.add(ScopeSession, g.members(), PlayerTimeoutEvent{
			GameID:   g.id,
			Player:   s.player,
			Seat:     te.Seat,
			Sequence: te.Sequence,
		})
		return
	}
	g.desyncSeatLocked(s, ReasonLagged, out)
}

func (g *Game) playingRound(round int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status == StatusPlaying && g.round == round
}
