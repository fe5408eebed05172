package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// pacerChannelSize is the buffer size for pacer channels
	pacerChannelSize = 100
)

// StallInfo reports a round that stayed open past its deadline.
type StallInfo struct {
	Round    uint64
	Attempt  int
	Duration time.Duration
}

// RoundPacer watches open rounds and emits a StallInfo when one fails
// to decide within its deadline. Deadlines back off per attempt:
// Base + attempt*Delta. The pacer only observes; advancing or abandoning
// a stalled round is the caller's business.
//
// Watch arms a round's timer if it is not armed already; Cancel disarms
// it and forgets its attempts. Each stall fire disarms the round, so a
// consumer that wants continued alerts re-arms after handling the
// event.
type RoundPacer struct {
	mu      sync.Mutex
	log     zerolog.Logger
	config  PacerConfig
	running bool

	tickCh  chan pacerCmd
	firedCh chan StallInfo
	tockCh  chan StallInfo
	stopCh  chan struct{}

	droppedStalls *atomic.Uint64
}

type pacerCmd struct {
	round  uint64
	cancel bool
}

// NewRoundPacer creates a pacer with the given deadlines.
func NewRoundPacer(log zerolog.Logger, config PacerConfig) *RoundPacer {
	return &RoundPacer{
		log:           log.With().Str("component", "pacer").Logger(),
		config:        config,
		tickCh:        make(chan pacerCmd, pacerChannelSize),
		firedCh:       make(chan StallInfo, pacerChannelSize),
		tockCh:        make(chan StallInfo, pacerChannelSize),
		stopCh:        make(chan struct{}),
		droppedStalls: atomic.NewUint64(0),
	}
}

// Start launches the pacer loop.
func (rp *RoundPacer) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return
	}
	rp.running = true

	go rp.run()
}

// Stop halts the pacer. Armed timers are discarded.
func (rp *RoundPacer) Stop() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if !rp.running {
		return
	}
	rp.running = false

	close(rp.stopCh)
}

// Stalls returns the channel that delivers stall events.
func (rp *RoundPacer) Stalls() <-chan StallInfo {
	return rp.tockCh
}

// Watch arms the stall timer for a round. A no-op when the round is
// already armed.
func (rp *RoundPacer) Watch(round uint64) {
	select {
	case rp.tickCh <- pacerCmd{round: round}:
	case <-rp.stopCh:
	}
}

// Cancel disarms a round and forgets its attempt count. Called when the
// round decides or halts.
func (rp *RoundPacer) Cancel(round uint64) {
	select {
	case rp.tickCh <- pacerCmd{round: round, cancel: true}:
	case <-rp.stopCh:
	}
}

// run owns the timer and attempt state for all watched rounds.
func (rp *RoundPacer) run() {
	timers := make(map[uint64]*time.Timer)
	attempts := make(map[uint64]int)

	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-rp.stopCh:
			return

		case cmd := <-rp.tickCh:
			if cmd.cancel {
				if t, ok := timers[cmd.round]; ok {
					t.Stop()
					delete(timers, cmd.round)
				}
				delete(attempts, cmd.round)
				continue
			}

			if _, armed := timers[cmd.round]; armed {
				continue
			}

			attempt := attempts[cmd.round]
			duration := rp.config.Base + time.Duration(attempt)*rp.config.Delta
			stall := StallInfo{Round: cmd.round, Attempt: attempt, Duration: duration}
			timers[cmd.round] = time.AfterFunc(duration, func() {
				select {
				case rp.firedCh <- stall:
				case <-rp.stopCh:
				}
			})

		case stall := <-rp.firedCh:
			delete(timers, stall.Round)
			attempts[stall.Round] = stall.Attempt + 1

			select {
			case rp.tockCh <- stall:
			case <-rp.stopCh:
				return
			default:
				count := rp.droppedStalls.Inc()
				rp.log.Warn().
					Uint64("round", stall.Round).
					Int("attempt", stall.Attempt).
					Uint64("total_dropped", count).
					Msg("dropped stall event due to full channel")
			}
		}
	}
}

// DroppedStalls returns the number of stall events dropped on a full
// channel.
func (rp *RoundPacer) DroppedStalls() uint64 {
	return rp.droppedStalls.Load()
}
