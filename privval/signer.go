package privval

import (
	"errors"

	"github.com/blockberries/quorumberry/types"
)

// Errors
var (
	ErrDoubleSign      = errors.New("double sign attempt")
	ErrRoundRegression = errors.New("round regression")
)

// PrivValidator signs consensus submissions on behalf of one validator.
// Implementations must refuse to produce two different signed votes for
// the same round.
type PrivValidator interface {
	// ID returns the validator this signer serves.
	ID() types.ValidatorID

	// GetPubKey returns the public key votes verify against.
	GetPubKey() types.PublicKey

	// SignVote signs the vote in place. Re-signing the identical vote
	// returns the cached signature; a conflicting vote for an already
	// signed round fails with ErrDoubleSign.
	SignVote(instanceID string, vote *types.Vote) error

	// SignProposal signs the proposal in place. Proposals carry no
	// equivocation risk, so no sign state is kept for them.
	SignProposal(instanceID string, proposal *types.Proposal) error
}

// LastSignState remembers the most recent signed vote for double-sign
// prevention. There is a single vote kind, so the state is just the
// round, the vote identity, and the signature produced for it.
//
// Rounds must be signed in non-decreasing order. Refusing to revisit
// earlier rounds is what lets one record protect every round ever
// signed: a past round can never receive a second, conflicting
// signature, and the current round is checked against the recorded
// vote identity.
type LastSignState struct {
	Round     uint64
	VoteID    *types.Hash
	Signature types.Signature
}

// CheckRound reports whether a vote for round may be signed. A nil
// error means sign freely. ErrDoubleSign means the round was already
// signed; the caller decides whether the payload is identical (reuse
// the signature) or conflicting (refuse). ErrRoundRegression means the
// round is behind the sign state and must not be signed at all.
func (lss *LastSignState) CheckRound(round uint64) error {
	if lss.VoteID == nil {
		return nil
	}
	if round < lss.Round {
		return ErrRoundRegression
	}
	if round == lss.Round {
		return ErrDoubleSign
	}
	return nil
}

// SameVote reports whether the vote is byte-for-byte the one recorded,
// by identity digest. Identity excludes timestamps, so a re-sign of the
// same verdict with a fresh timestamp still matches.
func (lss *LastSignState) SameVote(vote *types.Vote) bool {
	if lss.VoteID == nil || vote == nil {
		return false
	}
	return types.HashEqual(*lss.VoteID, vote.ID())
}
