package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockberries/quorumberry/types"
)

// RoundPhase is the lifecycle of one round. Open is the implicit phase
// of every round that has not decided; Decided and Halted are terminal.
type RoundPhase uint8

// Round phases
const (
	RoundOpen RoundPhase = iota
	RoundDecided
	RoundHalted
)

// String returns the human-readable phase name.
func (p RoundPhase) String() string {
	switch p {
	case RoundOpen:
		return "open"
	case RoundDecided:
		return "decided"
	case RoundHalted:
		return "halted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ProposalReceipt acknowledges an accepted proposal submission.
type ProposalReceipt struct {
	Round      uint64
	ProposalID types.Hash
	Proposer   types.ValidatorID

	// Duplicate marks an idempotent re-submission of a proposal the
	// ledger already holds.
	Duplicate bool
}

// VoteReceipt acknowledges an accepted vote submission.
type VoteReceipt struct {
	Round  uint64
	Voter  types.ValidatorID
	VoteID types.Hash

	// Counted is true only for the voter's first vote in the round.
	Counted bool

	// Duplicate flags every later vote from the same voter. The
	// submission still succeeded; the vote is audit trail.
	Duplicate bool

	// ConflictsWith carries the counted first vote when this duplicate
	// expressed a different verdict (equivocation).
	ConflictsWith *types.Vote

	// Decision is non-nil when this vote crossed the quorum and
	// completed the round.
	Decision *types.Decision
}

// roundState is one round's exclusive-owner container. Its mutex is the
// single-writer guarantee for the round; different rounds lock
// independently and proceed fully concurrently.
type roundState struct {
	mu       sync.Mutex
	phase    RoundPhase
	ledger   *roundLedger
	decision *types.Decision
	openedAt time.Time
}

// Core is the synchronous decision core: a registry snapshot, per-round
// ledgers, and the insert-if-absent decision map. Submissions complete
// synchronously; Engine layers asynchronous ingest and notification on
// top.
type Core struct {
	log        zerolog.Logger
	instanceID string
	valSet     *types.ValidatorSet // sealed deep copy

	mu     sync.RWMutex
	rounds map[uint64]*roundState

	// decisions is keyed by round and strictly insert-if-absent. A
	// second insertion for a round is unreachable under correct
	// operation and treated as a fatal invariant violation.
	decisionMu sync.Mutex
	decisions  map[uint64]*types.Decision
}

// NewCore creates a decision core over a sealed validator set. The set
// is deep-copied: later mutations of the caller's copy never reach the
// core. With cfg.FaultTolerance > 0 the set must satisfy n >= 3f+1.
func NewCore(log zerolog.Logger, cfg *Config, valSet *types.ValidatorSet) (*Core, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if valSet == nil || valSet.Size() == 0 {
		return nil, types.ErrEmptyValidatorSet
	}
	if !valSet.Sealed() {
		return nil, ErrUnsealedSet
	}
	if f := cfg.FaultTolerance; f > 0 && valSet.Size() < 3*f+1 {
		return nil, fmt.Errorf("%w: %d validators cannot tolerate %d faults (need >= %d)",
			ErrInvalidConfig, valSet.Size(), f, 3*f+1)
	}

	return &Core{
		log:        log.With().Str("component", "core").Str("instance", cfg.InstanceID).Logger(),
		instanceID: cfg.InstanceID,
		valSet:     valSet.Copy(),
		rounds:     make(map[uint64]*roundState),
		decisions:  make(map[uint64]*types.Decision),
	}, nil
}

// ValidatorSet returns the core's sealed registry snapshot. Callers get
// the shared read-only copy; it is never mutated after construction.
func (c *Core) ValidatorSet() *types.ValidatorSet {
	return c.valSet
}

// InstanceID returns the consensus instance identifier.
func (c *Core) InstanceID() string {
	return c.instanceID
}

// roundFor returns the state container for a round, creating it on
// first touch.
func (c *Core) roundFor(round uint64) *roundState {
	c.mu.RLock()
	rs, ok := c.rounds[round]
	c.mu.RUnlock()
	if ok {
		return rs
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rs, ok = c.rounds[round]; ok {
		return rs
	}
	rs = &roundState{
		ledger:   newRoundLedger(round, c.valSet),
		openedAt: time.Now(),
	}
	c.rounds[round] = rs
	return rs
}

// SubmitProposal records a candidate value for a round. It fails with
// ErrNotRegistered for unknown proposers, ErrRoundClosed once the round
// has decided, and ErrRoundHalted for poisoned rounds. Identical
// re-submissions are idempotent (receipt flagged Duplicate).
func (c *Core) SubmitProposal(p *types.Proposal) (*ProposalReceipt, error) {
	if p == nil {
		return nil, ErrInvalidProposal
	}

	rs := c.roundFor(p.Round)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch rs.phase {
	case RoundHalted:
		return nil, fmt.Errorf("%w: round %d", ErrRoundHalted, p.Round)
	case RoundDecided:
		return nil, fmt.Errorf("%w: round %d", ErrRoundClosed, p.Round)
	}

	dup, err := rs.ledger.addProposal(p)
	if err != nil {
		return nil, err
	}

	c.log.Debug().
		Uint64("round", p.Round).
		Str("proposer", string(p.Proposer)).
		Str("proposal", types.HashString(p.ID())).
		Bool("duplicate", dup).
		Msg("proposal recorded")

	return &ProposalReceipt{
		Round:      p.Round,
		ProposalID: p.ID(),
		Proposer:   p.Proposer,
		Duplicate:  dup,
	}, nil
}

// SubmitVote records a verdict. The first vote per (round, voter) is
// counted; every later one succeeds flagged Duplicate and, when it
// conflicts with the counted vote, carries the pair for the evidence
// pool. Votes to decided rounds are still accepted for audit but can no
// longer create or alter a decision.
//
// When the vote crosses a quorum, the returned receipt carries the
// resulting Decision. If that crossing uncovers a second-decision
// attempt, the receipt is returned together with a non-nil
// ErrInvariantViolation: the vote was recorded, the round is halted.
func (c *Core) SubmitVote(v *types.Vote) (*VoteReceipt, error) {
	if v == nil {
		return nil, ErrInvalidVote
	}

	rs := c.roundFor(v.Round)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.phase == RoundHalted {
		return nil, fmt.Errorf("%w: round %d", ErrRoundHalted, v.Round)
	}

	out, err := rs.ledger.addVote(v)
	if err != nil {
		return nil, err
	}

	receipt := &VoteReceipt{
		Round:         v.Round,
		Voter:         v.Voter,
		VoteID:        v.ID(),
		Counted:       out.counted,
		Duplicate:     out.duplicate,
		ConflictsWith: out.conflictsWith,
	}

	if out.duplicate {
		c.log.Debug().
			Uint64("round", v.Round).
			Str("voter", string(v.Voter)).
			Bool("conflict", out.conflictsWith != nil).
			Msg("duplicate vote recorded for audit")
		return receipt, nil
	}

	if out.crossedTally != nil && rs.phase == RoundOpen {
		decision, err := c.finalize(rs, v.Round, out.crossedTally)
		if err != nil {
			return receipt, err
		}
		receipt.Decision = decision
	}
	return receipt, nil
}

// finalize builds and records the round's decision from the tally that
// crossed quorum. Caller must hold rs.mu with rs.phase == RoundOpen.
func (c *Core) finalize(rs *roundState, round uint64, tally *proposalTally) (*types.Decision, error) {
	prop := rs.ledger.proposal(tally.proposalID)
	if prop == nil {
		// cannot happen: tallies only exist for stored proposals
		rs.phase = RoundHalted
		c.log.WithLevel(zerolog.FatalLevel).
			Uint64("round", round).
			Str("proposal", types.HashString(tally.proposalID)).
			Msg("CRITICAL: quorum crossed for unknown proposal, round halted")
		return nil, fmt.Errorf("%w: quorum for unknown proposal in round %d", ErrInvariantViolation, round)
	}

	signatories := make([]types.ValidatorID, len(tally.signatories))
	copy(signatories, tally.signatories)
	sort.Slice(signatories, func(i, j int) bool {
		vi, _ := c.valSet.Lookup(signatories[i])
		vj, _ := c.valSet.Lookup(signatories[j])
		return vi.Index < vj.Index
	})

	decision := &types.Decision{
		Round:          round,
		ProposalID:     *types.CopyHash(&tally.proposalID),
		Proposer:       prop.Proposer,
		ValueDigest:    prop.ValueDigest(),
		Signatories:    signatories,
		ApprovingPower: tally.approvingPower,
		TotalPower:     c.valSet.TotalVotingPower(),
		DecidedAt:      time.Now().UnixNano(),
	}

	if err := c.insertDecision(decision); err != nil {
		rs.phase = RoundHalted
		c.log.WithLevel(zerolog.FatalLevel).
			Uint64("round", round).
			Err(err).
			Msg("CRITICAL: second decision attempted, round halted")
		return nil, fmt.Errorf("%w: %s", ErrInvariantViolation, err)
	}

	rs.phase = RoundDecided
	rs.decision = decision

	c.log.Info().
		Uint64("round", round).
		Str("proposal", types.HashString(decision.ProposalID)).
		Str("proposer", string(decision.Proposer)).
		Int64("approving_power", decision.ApprovingPower).
		Int64("total_power", decision.TotalPower).
		Int("signatories", len(decision.Signatories)).
		Dur("elapsed", time.Since(rs.openedAt)).
		Msg("round decided")

	return decision.Copy(), nil
}

// insertDecision is the insert-if-absent on the decision map.
func (c *Core) insertDecision(d *types.Decision) error {
	c.decisionMu.Lock()
	defer c.decisionMu.Unlock()
	if _, exists := c.decisions[d.Round]; exists {
		return fmt.Errorf("decision already recorded for round %d", d.Round)
	}
	c.decisions[d.Round] = d
	return nil
}

// DecisionFor returns the decision for a round, if one exists.
func (c *Core) DecisionFor(round uint64) (*types.Decision, bool) {
	c.decisionMu.Lock()
	d, ok := c.decisions[round]
	c.decisionMu.Unlock()
	if !ok {
		return nil, false
	}
	return d.Copy(), true
}

// Decisions returns all decisions, ascending by round.
func (c *Core) Decisions() []*types.Decision {
	c.decisionMu.Lock()
	out := make([]*types.Decision, 0, len(c.decisions))
	for _, d := range c.decisions {
		out = append(out, d.Copy())
	}
	c.decisionMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out
}

// Phase returns the lifecycle phase of a round. Rounds never touched
// are implicitly open.
func (c *Core) Phase(round uint64) RoundPhase {
	c.mu.RLock()
	rs, ok := c.rounds[round]
	c.mu.RUnlock()
	if !ok {
		return RoundOpen
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.phase
}

// HasQuorum reports whether a proposal's counted approving power meets
// the two-thirds quorum.
func (c *Core) HasQuorum(round uint64, proposalID types.Hash) bool {
	return c.valSet.MeetsQuorum(c.ApprovingPower(round, proposalID))
}

// ApprovingPower returns the counted approving power behind a proposal.
func (c *Core) ApprovingPower(round uint64, proposalID types.Hash) int64 {
	c.mu.RLock()
	rs, ok := c.rounds[round]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.ledger.approvingPower(proposalID)
}

// VotesFor returns copies of the counted approving votes for a proposal.
func (c *Core) VotesFor(round uint64, proposalID types.Hash) []types.Vote {
	c.mu.RLock()
	rs, ok := c.rounds[round]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.ledger.votesFor(proposalID)
}

// Proposals returns copies of a round's proposals in submission order.
func (c *Core) Proposals(round uint64) []types.Proposal {
	c.mu.RLock()
	rs, ok := c.rounds[round]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.ledger.records().Proposals
}

// Snapshot deep-copies the full instance state for the safety monitor
// and diagnostics.
func (c *Core) Snapshot() *types.Snapshot {
	c.mu.RLock()
	rounds := make([]uint64, 0, len(c.rounds))
	for r := range c.rounds {
		rounds = append(rounds, r)
	}
	c.mu.RUnlock()
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })

	snap := &types.Snapshot{
		InstanceID: c.instanceID,
		Validators: c.valSet.Entries(),
		TotalPower: c.valSet.TotalVotingPower(),
		Rounds:     make([]types.RoundRecords, 0, len(rounds)),
	}
	for _, round := range rounds {
		c.mu.RLock()
		rs := c.rounds[round]
		c.mu.RUnlock()

		rs.mu.Lock()
		rec := rs.ledger.records()
		rec.Decision = rs.decision.Copy()
		rec.Halted = rs.phase == RoundHalted
		rs.mu.Unlock()

		snap.Rounds = append(snap.Rounds, rec)
	}
	return snap
}

// roundAge returns how long a round has been open, for metrics.
func (c *Core) roundAge(round uint64) (time.Duration, bool) {
	c.mu.RLock()
	rs, ok := c.rounds[round]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(rs.openedAt), true
}
