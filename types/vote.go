package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidVote  = errors.New("invalid vote")
	ErrVoteConflict = errors.New("conflicting vote")
)

// Vote is one validator's verdict on one proposal in one round. Approve
// carries the verdict: only approving votes contribute power toward a
// quorum, but rejecting votes are recorded all the same.
type Vote struct {
	Round      uint64      `cbor:"1,keyasint"`
	Voter      ValidatorID `cbor:"2,keyasint"`
	ProposalID Hash        `cbor:"3,keyasint"`
	Approve    bool        `cbor:"4,keyasint"`
	Timestamp  int64       `cbor:"5,keyasint"`
	Signature  Signature   `cbor:"6,keyasint,omitempty"`
}

// NewVote creates a new vote.
func NewVote(round uint64, voter ValidatorID, proposalID Hash, approve bool, timestamp int64) *Vote {
	return &Vote{
		Round:      round,
		Voter:      voter,
		ProposalID: *CopyHash(&proposalID),
		Approve:    approve,
		Timestamp:  timestamp,
	}
}

// voteIdentity is the signed/hashed projection of a vote. The timestamp
// and signature are excluded: a vote's identity is what was voted, not
// when, so re-signing and re-delivery stay idempotent.
type voteIdentity struct {
	Round      uint64 `cbor:"1,keyasint"`
	Voter      string `cbor:"2,keyasint"`
	ProposalID []byte `cbor:"3,keyasint"`
	Approve    bool   `cbor:"4,keyasint"`
}

// ID computes the vote's content-derived identity digest.
func (v *Vote) ID() Hash {
	ident := voteIdentity{
		Round:      v.Round,
		Voter:      string(v.Voter),
		ProposalID: v.ProposalID.Data,
		Approve:    v.Approve,
	}
	return HashBytes(MustMarshalCanonical(&ident))
}

// SameVerdict reports whether two votes express the same verdict: same
// round, voter, proposal, and approve flag. Votes with the same verdict
// are benign re-deliveries; votes from the same voter in the same round
// with different verdicts are equivocation.
func (v *Vote) SameVerdict(other *Vote) bool {
	if v == nil || other == nil {
		return false
	}
	return v.Round == other.Round &&
		v.Voter == other.Voter &&
		v.Approve == other.Approve &&
		HashEqual(v.ProposalID, other.ProposalID)
}

// ValidateBasic performs stateless sanity checks.
func (v *Vote) ValidateBasic() error {
	if v == nil {
		return ErrInvalidVote
	}
	if v.Voter == "" {
		return fmt.Errorf("%w: empty voter", ErrInvalidVote)
	}
	if len(v.ProposalID.Data) != HashSize {
		return fmt.Errorf("%w: proposal id must be %d bytes, got %d",
			ErrInvalidVote, HashSize, len(v.ProposalID.Data))
	}
	return nil
}

// Copy creates a deep copy of the vote.
func (v *Vote) Copy() *Vote {
	if v == nil {
		return nil
	}
	return &Vote{
		Round:      v.Round,
		Voter:      v.Voter,
		ProposalID: *CopyHash(&v.ProposalID),
		Approve:    v.Approve,
		Timestamp:  v.Timestamp,
		Signature:  CopySignature(v.Signature),
	}
}

// VoteSignBytes returns the bytes a voter signs, instance-ID prefixed.
func VoteSignBytes(instanceID string, v *Vote) []byte {
	ident := voteIdentity{
		Round:      v.Round,
		Voter:      string(v.Voter),
		ProposalID: v.ProposalID.Data,
		Approve:    v.Approve,
	}
	data := MustMarshalCanonical(&ident)
	return append([]byte(instanceID), data...)
}

// VerifyVoteSignature verifies the signature on a vote. As with
// proposals, verification is the transport's job; the core never calls
// this.
func VerifyVoteSignature(instanceID string, vote *Vote, pubKey PublicKey) error {
	if vote == nil {
		return ErrInvalidVote
	}
	if len(vote.Signature.Data) == 0 {
		return errors.New("vote has no signature")
	}
	if len(pubKey.Data) != ed25519.PublicKeySize {
		return errors.New("invalid public key size")
	}

	signBytes := VoteSignBytes(instanceID, vote)
	if !ed25519.Verify(pubKey.Data, signBytes, vote.Signature.Data) {
		return errors.New("invalid vote signature")
	}
	return nil
}
