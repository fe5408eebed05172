package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/blockberries/quorumberry/evidence"
	"github.com/blockberries/quorumberry/metrics"
	"github.com/blockberries/quorumberry/types"
	"github.com/blockberries/quorumberry/wal"
)

// MessageType identifies the type of a wire message.
type MessageType uint8

const (
	// MessageTypeProposal identifies a proposal message
	MessageTypeProposal MessageType = 1
	// MessageTypeVote identifies a vote message
	MessageTypeVote MessageType = 2
)

// Violation reports a round halted by a safety invariant violation.
// Operators treat any Violation as a critical alert.
type Violation struct {
	Round uint64
	Err   error
}

type inboundKind uint8

const (
	inboundProposal inboundKind = iota + 1
	inboundVote
)

// inboundMessage is one queued asynchronous submission.
type inboundMessage struct {
	kind     inboundKind
	proposal *types.Proposal
	vote     *types.Vote
}

func (m *inboundMessage) round() uint64 {
	if m.kind == inboundProposal {
		return m.proposal.Round
	}
	return m.vote.Round
}

// Engine wraps the synchronous Core with lifecycle management,
// asynchronous ingest, write-ahead logging, evidence collection,
// decision subscriptions and metrics.
//
// Two submission paths exist. SubmitProposal and SubmitVote are
// synchronous: they run on the round's executor and return the receipt.
// IngestProposal and IngestVote enqueue and return immediately; results
// surface through logs, metrics, evidence and decision subscriptions.
// Both paths funnel through one single-worker executor per round, so
// each round has exactly one writer and its WAL order matches its apply
// order.
type Engine struct {
	log       zerolog.Logger
	cfg       *Config
	core      *Core
	wal       wal.WAL
	collector metrics.Collector
	evpool    *evidence.Pool
	pacer     *RoundPacer

	inbox       *inboxQueue
	inboxNotify notifier

	// dedup short-circuits identical re-deliveries on the async path
	// before they reach the WAL.
	dedup *lru.Cache

	// executors holds one single-worker pool per active round. Eviction
	// drains the evicted pool before the cache accepts the new entry, so
	// a round can never have two live executors.
	execMu    sync.Mutex
	executors *lru.Cache

	subMu   sync.Mutex
	subs    map[uint64]chan *types.Decision
	nextSub uint64

	violations chan Violation

	started *atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates a decision engine over a sealed validator set.
// A nil w selects the WAL from cfg.WALDir (NopWAL when empty); a nil
// collector disables metrics.
func NewEngine(
	log zerolog.Logger,
	cfg *Config,
	valSet *types.ValidatorSet,
	w wal.WAL,
	collector metrics.Collector,
) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	if w == nil {
		if cfg.WALDir == "" {
			w = &wal.NopWAL{}
		} else {
			fw, err := wal.NewFileWAL(cfg.WALDir)
			if err != nil {
				return nil, fmt.Errorf("failed to create WAL: %w", err)
			}
			w = fw
		}
	}

	core, err := NewCore(log, cfg, valSet)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:         log.With().Str("component", "engine").Str("instance", cfg.InstanceID).Logger(),
		cfg:         cfg,
		core:        core,
		wal:         w,
		collector:   collector,
		evpool:      evidence.NewPool(log, evidence.DefaultConfig()),
		pacer:       NewRoundPacer(log, cfg.Pacer),
		inboxNotify: newNotifier(),
		subs:        make(map[uint64]chan *types.Decision),
		violations:  make(chan Violation, 16),
		started:     atomic.NewBool(false),
	}

	inboxOpts := []inboxOption{
		withLengthObserver(collector.InboxLength),
	}
	if cfg.InboxCapacity > 0 {
		inboxOpts = append(inboxOpts, withCapacity(cfg.InboxCapacity))
	}
	e.inbox, err = newInboxQueue(inboxOpts...)
	if err != nil {
		return nil, err
	}

	e.dedup, err = lru.New(cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: dedup cache: %v", ErrInvalidConfig, err)
	}

	// Evicted executors are drained synchronously under execMu. By the
	// time a fresh executor could be created for the same round, the old
	// one has finished everything it ever queued.
	e.executors, err = lru.NewWithEvict(cfg.ExecutorCacheSize, func(key, value interface{}) {
		value.(*workerpool.WorkerPool).StopWait()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: executor cache: %v", ErrInvalidConfig, err)
	}

	return e, nil
}

// Start opens the WAL and launches the ingest worker.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := e.wal.Start(); err != nil {
		e.started.Store(false)
		return fmt.Errorf("failed to start WAL: %w", err)
	}

	e.pacer.Start()

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(2)
	go e.ingestLoop(e.ctx)
	go e.stallLoop(e.ctx)

	e.log.Info().
		Int("validators", e.core.ValidatorSet().Size()).
		Int64("total_power", e.core.ValidatorSet().TotalVotingPower()).
		Msg("engine started")
	return nil
}

// Stop drains the executors, closes the WAL and tears down all
// subscriptions. Queued asynchronous submissions that have not reached
// an executor yet are dropped.
func (e *Engine) Stop() error {
	if !e.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}

	e.cancel()
	e.wg.Wait()

	if dropped := e.inbox.len(); dropped > 0 {
		e.log.Warn().Int("dropped", dropped).Msg("discarding queued submissions on shutdown")
	}

	e.execMu.Lock()
	e.executors.Purge()
	e.execMu.Unlock()

	e.pacer.Stop()

	var result *multierror.Error
	if err := e.wal.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop WAL: %w", err))
	}

	e.subMu.Lock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.subMu.Unlock()
	close(e.violations)

	e.log.Info().Msg("engine stopped")
	return result.ErrorOrNil()
}

// Core returns the underlying synchronous core, for replay and tests.
func (e *Engine) Core() *Core {
	return e.core
}

// Evidence returns the engine's equivocation evidence pool.
func (e *Engine) Evidence() *evidence.Pool {
	return e.evpool
}

// ValidatorSet returns the sealed registry snapshot.
func (e *Engine) ValidatorSet() *types.ValidatorSet {
	return e.core.ValidatorSet()
}

// dispatch queues a task on the round's executor. The executor cache
// lookup and the submit happen under one lock so a task can never land
// on a pool that eviction is about to drain.
func (e *Engine) dispatch(round uint64, task func()) error {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	if !e.started.Load() {
		return ErrNotStarted
	}

	var pool *workerpool.WorkerPool
	if v, ok := e.executors.Get(round); ok {
		pool = v.(*workerpool.WorkerPool)
	} else {
		pool = workerpool.New(1)
		e.executors.Add(round, pool)
	}
	pool.Submit(task)
	return nil
}

// SubmitProposal submits a proposal and waits for its receipt.
func (e *Engine) SubmitProposal(p *types.Proposal) (*ProposalReceipt, error) {
	if p == nil {
		return nil, ErrInvalidProposal
	}

	type result struct {
		receipt *ProposalReceipt
		err     error
	}
	ch := make(chan result, 1)
	prop := p.Copy()
	if err := e.dispatch(p.Round, func() {
		receipt, err := e.applyProposal(prop)
		ch <- result{receipt, err}
	}); err != nil {
		return nil, err
	}
	res := <-ch
	return res.receipt, res.err
}

// SubmitVote submits a vote and waits for its receipt.
func (e *Engine) SubmitVote(v *types.Vote) (*VoteReceipt, error) {
	if v == nil {
		return nil, ErrInvalidVote
	}

	type result struct {
		receipt *VoteReceipt
		err     error
	}
	ch := make(chan result, 1)
	vote := v.Copy()
	if err := e.dispatch(v.Round, func() {
		receipt, err := e.applyVote(vote)
		ch <- result{receipt, err}
	}); err != nil {
		return nil, err
	}
	res := <-ch
	return res.receipt, res.err
}

// IngestProposal enqueues a proposal received from the network.
func (e *Engine) IngestProposal(p *types.Proposal) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if p == nil {
		return ErrInvalidProposal
	}

	if e.seenBefore("p/" + types.HashString(p.ID())) {
		return nil
	}
	return e.enqueue(&inboundMessage{kind: inboundProposal, proposal: p.Copy()})
}

// IngestVote enqueues a vote received from the network.
func (e *Engine) IngestVote(v *types.Vote) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if v == nil {
		return ErrInvalidVote
	}

	if e.seenBefore("v/" + types.HashString(v.ID())) {
		return nil
	}
	return e.enqueue(&inboundMessage{kind: inboundVote, vote: v.Copy()})
}

// seenBefore records the submission key and reports whether it was
// already known. Identity keys exclude timestamps and signatures, so
// gossip re-deliveries of the same record collapse here.
func (e *Engine) seenBefore(key string) bool {
	seen, _ := e.dedup.ContainsOrAdd(key, struct{}{})
	if seen {
		e.collector.IngestDeduplicated()
	}
	return seen
}

func (e *Engine) enqueue(msg *inboundMessage) error {
	if !e.inbox.push(msg) {
		e.collector.InboxDropped()
		return fmt.Errorf("%w: round %d", ErrInboxFull, msg.round())
	}
	e.inboxNotify.notify()
	return nil
}

// ingestLoop drains the inbox, dispatching each submission to its
// round's executor.
func (e *Engine) ingestLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.inboxNotify.channel():
			for {
				msg, ok := e.inbox.pop()
				if !ok {
					break
				}
				e.dispatchInbound(msg)
			}
		}
	}
}

// stallLoop consumes pacer stall events, reporting each and re-arming
// rounds that are still open so persistent stalls keep alerting with
// backoff.
func (e *Engine) stallLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case stall := <-e.pacer.Stalls():
			e.collector.RoundStalled(stall.Round)
			e.log.Warn().
				Uint64("round", stall.Round).
				Int("attempt", stall.Attempt).
				Dur("waited", stall.Duration).
				Msg("round stalled without decision")
			if e.core.Phase(stall.Round) == RoundOpen {
				e.pacer.Watch(stall.Round)
			}
		}
	}
}

func (e *Engine) dispatchInbound(msg *inboundMessage) {
	var err error
	switch msg.kind {
	case inboundProposal:
		err = e.dispatch(msg.proposal.Round, func() {
			if _, err := e.applyProposal(msg.proposal); err != nil {
				e.logRejected("proposal", msg.proposal.Round, err)
			}
		})
	case inboundVote:
		err = e.dispatch(msg.vote.Round, func() {
			if _, err := e.applyVote(msg.vote); err != nil {
				e.logRejected("vote", msg.vote.Round, err)
			}
		})
	}
	if err != nil {
		e.log.Debug().Uint64("round", msg.round()).Err(err).Msg("dropping inbound submission")
	}
}

// logRejected reports asynchronous rejections, which have no caller to
// return an error to.
func (e *Engine) logRejected(kind string, round uint64, err error) {
	if errors.Is(err, ErrInvariantViolation) || errors.Is(err, ErrWALWrite) {
		e.log.Error().Str("kind", kind).Uint64("round", round).Err(err).Msg("submission failed")
		return
	}
	e.log.Debug().Str("kind", kind).Uint64("round", round).Err(err).Msg("submission rejected")
}

// applyProposal logs the proposal to the WAL and applies it to the
// core. Runs on the round's executor.
func (e *Engine) applyProposal(p *types.Proposal) (*ProposalReceipt, error) {
	rec, err := wal.NewProposalRecord(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALWrite, err)
	}
	if err := e.wal.Write(rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALWrite, err)
	}
	e.collector.WALWritten(len(rec.Data))

	receipt, err := e.core.SubmitProposal(p)
	if err != nil {
		e.collector.SubmissionRejected(rejectionReason(err))
		return nil, err
	}
	e.collector.ProposalRecorded(p.Round)
	e.pacer.Watch(p.Round)
	return receipt, nil
}

// applyVote logs the vote to the WAL, applies it to the core and fans
// out the consequences: evidence, decision notifications, violations.
// Runs on the round's executor.
func (e *Engine) applyVote(v *types.Vote) (*VoteReceipt, error) {
	rec, err := wal.NewVoteRecord(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALWrite, err)
	}
	if err := e.wal.Write(rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALWrite, err)
	}
	e.collector.WALWritten(len(rec.Data))

	receipt, err := e.core.SubmitVote(v)
	if err != nil && receipt == nil {
		e.collector.SubmissionRejected(rejectionReason(err))
		return nil, err
	}

	if receipt.Duplicate {
		e.collector.DuplicateVote(v.Round)
	} else if receipt.Counted {
		e.collector.VoteRecorded(v.Round)
	}

	if receipt.ConflictsWith != nil {
		e.recordEquivocation(receipt.ConflictsWith, v)
	}

	if err != nil {
		// the vote was recorded but finalizing the round failed
		if errors.Is(err, ErrInvariantViolation) {
			e.raiseViolation(v.Round, err)
		}
		return receipt, err
	}

	if receipt.Decision != nil {
		e.announceDecision(receipt.Decision)
	} else if e.core.Phase(v.Round) == RoundOpen {
		e.pacer.Watch(v.Round)
	}
	return receipt, nil
}

// recordEquivocation turns a conflicting vote pair into pooled
// evidence.
func (e *Engine) recordEquivocation(counted, conflicting *types.Vote) {
	ev, err := evidence.NewDuplicateVoteEvidence(counted, conflicting, e.core.ValidatorSet())
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to build equivocation evidence")
		return
	}
	if err := e.evpool.Add(ev); err != nil {
		e.log.Warn().Err(err).Msg("failed to pool equivocation evidence")
		return
	}

	e.collector.ConflictingVote(counted.Round)
	e.collector.EvidencePending(e.evpool.Size())
	e.log.Warn().
		Uint64("round", counted.Round).
		Str("voter", string(counted.Voter)).
		Msg("vote equivocation detected")
}

// announceDecision persists the decision record and notifies
// subscribers. Runs on the deciding round's executor.
func (e *Engine) announceDecision(d *types.Decision) {
	e.pacer.Cancel(d.Round)

	rec, err := wal.NewDecisionRecord(d)
	if err != nil {
		e.log.Error().Uint64("round", d.Round).Err(err).Msg("failed to encode decision record")
	} else {
		write := e.wal.Write
		if e.cfg.WALSyncDecisions {
			write = e.wal.WriteSync
		}
		if err := write(rec); err != nil {
			e.log.Error().Uint64("round", d.Round).Err(err).Msg("failed to persist decision record")
		} else {
			e.collector.WALWritten(len(rec.Data))
		}
	}

	if age, ok := e.core.roundAge(d.Round); ok {
		e.collector.DecisionReached(d.Round, age)
	}

	e.evpool.Update(d.Round, time.Now())
	e.collector.EvidencePending(e.evpool.Size())

	e.publishDecision(d)
}

// raiseViolation surfaces a halted round to the Violations channel.
// The core has already logged the fatal-severity alert.
func (e *Engine) raiseViolation(round uint64, err error) {
	e.pacer.Cancel(round)
	e.collector.InvariantViolation(round)
	select {
	case e.violations <- Violation{Round: round, Err: err}:
	default:
		e.log.Error().Uint64("round", round).Msg("violation channel full, event dropped")
	}
}

// SubscribeDecisions registers a decision subscriber. The returned
// cancel function is idempotent. Slow subscribers lose events rather
// than slowing rounds down.
func (e *Engine) SubscribeDecisions() (<-chan *types.Decision, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.subs == nil {
		// engine stopped, hand back a closed channel
		ch := make(chan *types.Decision)
		close(ch)
		return ch, func() {}
	}

	id := e.nextSub
	e.nextSub++
	ch := make(chan *types.Decision, e.cfg.SubscriberBuffer)
	e.subs[id] = ch

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if e.subs == nil {
			return
		}
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Violations returns the channel of invariant violation events. The
// channel closes when the engine stops.
func (e *Engine) Violations() <-chan Violation {
	return e.violations
}

func (e *Engine) publishDecision(d *types.Decision) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for id, ch := range e.subs {
		select {
		case ch <- d.Copy():
		default:
			e.collector.SubscriberDropped()
			e.log.Warn().Uint64("subscriber", id).Uint64("round", d.Round).Msg("subscriber buffer full, decision dropped")
		}
	}
}

// HandleMessage handles a consensus message received from a peer.
// Messages are a single type byte followed by the canonical encoding of
// the payload.
func (e *Engine) HandleMessage(peerID string, data []byte) error {
	if len(data) < 1 {
		return ErrInvalidMessage
	}

	msgType := MessageType(data[0])
	payload := data[1:]

	switch msgType {
	case MessageTypeProposal:
		if len(payload) == 0 {
			return fmt.Errorf("%w: empty proposal payload", ErrInvalidMessage)
		}
		proposal := &types.Proposal{}
		if err := types.UnmarshalCanonical(payload, proposal); err != nil {
			return fmt.Errorf("%w: failed to unmarshal proposal from %s: %v", ErrInvalidMessage, peerID, err)
		}
		return e.IngestProposal(proposal)

	case MessageTypeVote:
		if len(payload) == 0 {
			return fmt.Errorf("%w: empty vote payload", ErrInvalidMessage)
		}
		vote := &types.Vote{}
		if err := types.UnmarshalCanonical(payload, vote); err != nil {
			return fmt.Errorf("%w: failed to unmarshal vote from %s: %v", ErrInvalidMessage, peerID, err)
		}
		return e.IngestVote(vote)

	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, msgType)
	}
}

// EncodeProposalMessage encodes a proposal with its type prefix for
// network transmission.
func EncodeProposalMessage(p *types.Proposal) ([]byte, error) {
	payload, err := types.MarshalCanonical(p)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(MessageTypeProposal)
	copy(msg[1:], payload)
	return msg, nil
}

// EncodeVoteMessage encodes a vote with its type prefix for network
// transmission.
func EncodeVoteMessage(v *types.Vote) ([]byte, error) {
	payload, err := types.MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(MessageTypeVote)
	copy(msg[1:], payload)
	return msg, nil
}

// rejectionReason maps a submission error to its metrics label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNotRegistered):
		return metrics.ReasonNotRegistered
	case errors.Is(err, ErrUnknownProposal):
		return metrics.ReasonUnknownProposal
	case errors.Is(err, ErrRoundClosed):
		return metrics.ReasonRoundClosed
	case errors.Is(err, ErrRoundHalted):
		return metrics.ReasonRoundHalted
	case errors.Is(err, ErrInvalidProposal), errors.Is(err, ErrInvalidVote):
		return metrics.ReasonInvalid
	default:
		return metrics.ReasonOther
	}
}
