package engine

import (
	"fmt"

	"github.com/blockberries/quorumberry/types"
)

// voteBitmap tracks which validator indices have a counted vote. It is
// guarded by the owning round's lock, not its own.
type voteBitmap struct {
	bits  []uint64
	count int
	size  int
}

func newVoteBitmap(numVals int) *voteBitmap {
	numWords := (numVals + 63) / 64
	return &voteBitmap{
		bits: make([]uint64, numWords),
		size: numVals,
	}
}

// set marks a validator index as counted, reporting whether it was new.
func (vb *voteBitmap) set(index uint16) bool {
	if int(index) >= vb.size {
		return false
	}
	wordIdx := index / 64
	mask := uint64(1) << (index % 64)
	if vb.bits[wordIdx]&mask != 0 {
		return false
	}
	vb.bits[wordIdx] |= mask
	vb.count++
	return true
}

// has returns true if the validator index has a counted vote.
func (vb *voteBitmap) has(index uint16) bool {
	if int(index) >= vb.size {
		return false
	}
	return vb.bits[index/64]&(uint64(1)<<(index%64)) != 0
}

// countVoted returns the number of counted votes.
func (vb *voteBitmap) countVoted() int {
	return vb.count
}

// proposalTally is the running quorum state for one proposal: counted
// approving power and the validators who contributed it. Updated O(1)
// per counted vote.
type proposalTally struct {
	proposalID     types.Hash
	approvingPower int64
	signatories    []types.ValidatorID // arrival order; sorted at decision time
	crossed        bool                // quorum already crossed once
}

// roundLedger is one round's append-only bookkeeping: submitted
// proposals, every accepted vote (duplicates included, for audit), the
// counted first vote per voter, and per-proposal tallies. All methods
// must be called under the owning round's lock; the ledger itself has
// no mutex and never blocks.
type roundLedger struct {
	round  uint64
	valSet *types.ValidatorSet // sealed read-only snapshot, shared

	proposals     map[string]*types.Proposal // keyed by ID hex
	proposalOrder []string                   // submission order

	counted map[types.ValidatorID]*types.Vote // first vote per voter
	audit   []types.RecordedVote              // every accepted vote in arrival order
	voted   *voteBitmap                       // counted votes by validator index

	tallies map[string]*proposalTally
}

func newRoundLedger(round uint64, valSet *types.ValidatorSet) *roundLedger {
	return &roundLedger{
		round:     round,
		valSet:    valSet,
		proposals: make(map[string]*types.Proposal),
		counted:   make(map[types.ValidatorID]*types.Vote),
		voted:     newVoteBitmap(valSet.Size()),
		tallies:   make(map[string]*proposalTally),
	}
}

// addProposal records a proposal. Re-submitting an identical proposal is
// idempotent and flagged duplicate so replay and gossip re-delivery stay
// harmless.
func (l *roundLedger) addProposal(p *types.Proposal) (duplicate bool, err error) {
	if err := p.ValidateBasic(); err != nil {
		return false, err
	}
	if p.Round != l.round {
		return false, fmt.Errorf("%w: proposal for round %d submitted to round %d",
			ErrInvalidProposal, p.Round, l.round)
	}
	if !l.valSet.IsMember(p.Proposer) {
		return false, fmt.Errorf("%w: proposer %q", ErrNotRegistered, p.Proposer)
	}

	key := types.HashString(p.ID())
	if _, exists := l.proposals[key]; exists {
		return true, nil
	}

	l.proposals[key] = p.Copy()
	l.proposalOrder = append(l.proposalOrder, key)
	l.tallies[key] = &proposalTally{proposalID: p.ID()}
	return false, nil
}

// voteOutcome is what addVote reports back to the round state.
type voteOutcome struct {
	counted       bool
	duplicate     bool
	conflictsWith *types.Vote    // counted first vote, when the new vote conflicts
	crossedTally  *proposalTally // tally that crossed quorum with this vote
}

// addVote records a vote. The first vote per voter wins and is the only
// one counted; later votes are stored for audit, flagged duplicate, and
// reported as conflicts when their verdict differs from the counted one.
// Votes are accepted regardless of the round's phase — the phase gate on
// decisions lives in the round state, not here.
func (l *roundLedger) addVote(v *types.Vote) (voteOutcome, error) {
	var out voteOutcome

	if err := v.ValidateBasic(); err != nil {
		return out, err
	}
	if v.Round != l.round {
		return out, fmt.Errorf("%w: vote for round %d submitted to round %d",
			ErrInvalidVote, v.Round, l.round)
	}
	val, err := l.valSet.Lookup(v.Voter)
	if err != nil {
		return out, fmt.Errorf("%w: voter %q", ErrNotRegistered, v.Voter)
	}

	key := types.HashString(v.ProposalID)
	tally, known := l.tallies[key]
	if !known {
		return out, fmt.Errorf("%w: %s", ErrUnknownProposal, types.HashString(v.ProposalID))
	}

	if l.voted.has(val.Index) {
		// first vote wins; this one is audit trail
		first := l.counted[v.Voter]
		out.duplicate = true
		if !first.SameVerdict(v) {
			out.conflictsWith = first.Copy()
		}
		l.audit = append(l.audit, types.RecordedVote{Vote: *v.Copy(), Counted: false})
		return out, nil
	}

	stored := v.Copy()
	l.counted[v.Voter] = stored
	l.audit = append(l.audit, types.RecordedVote{Vote: *stored, Counted: true})
	l.voted.set(val.Index)
	out.counted = true

	if v.Approve {
		tally.approvingPower += val.Power
		tally.signatories = append(tally.signatories, v.Voter)
		if !tally.crossed && l.valSet.MeetsQuorum(tally.approvingPower) {
			tally.crossed = true
			out.crossedTally = tally
		}
	}
	return out, nil
}

// proposal returns the stored proposal for an ID, or nil.
func (l *roundLedger) proposal(proposalID types.Hash) *types.Proposal {
	return l.proposals[types.HashString(proposalID)]
}

// hasProposal reports whether proposalID was submitted this round.
func (l *roundLedger) hasProposal(proposalID types.Hash) bool {
	_, ok := l.tallies[types.HashString(proposalID)]
	return ok
}

// approvingPower returns the counted approving power behind a proposal.
func (l *roundLedger) approvingPower(proposalID types.Hash) int64 {
	tally, ok := l.tallies[types.HashString(proposalID)]
	if !ok {
		return 0
	}
	return tally.approvingPower
}

// votesFor returns copies of the counted approving votes for a proposal,
// in arrival order.
func (l *roundLedger) votesFor(proposalID types.Hash) []types.Vote {
	tally, ok := l.tallies[types.HashString(proposalID)]
	if !ok {
		return nil
	}
	votes := make([]types.Vote, 0, len(tally.signatories))
	for _, voter := range tally.signatories {
		if v, ok := l.counted[voter]; ok {
			votes = append(votes, *v.Copy())
		}
	}
	return votes
}

// records snapshots the full round bookkeeping.
func (l *roundLedger) records() types.RoundRecords {
	rec := types.RoundRecords{
		Round:     l.round,
		Proposals: make([]types.Proposal, 0, len(l.proposalOrder)),
		Votes:     make([]types.RecordedVote, 0, len(l.audit)),
	}
	for _, key := range l.proposalOrder {
		rec.Proposals = append(rec.Proposals, *l.proposals[key].Copy())
	}
	for _, rv := range l.audit {
		rec.Votes = append(rec.Votes, types.RecordedVote{Vote: *rv.Vote.Copy(), Counted: rv.Counted})
	}
	return rec
}
