package types

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidDecision = errors.New("invalid decision")
)

// Decision is one round's terminal outcome: the proposal whose counted
// approving power first crossed the two-thirds quorum, together with the
// validators whose votes got it there. Decisions are immutable and
// retained permanently for audit.
type Decision struct {
	Round          uint64        `cbor:"1,keyasint"`
	ProposalID     Hash          `cbor:"2,keyasint"`
	Proposer       ValidatorID   `cbor:"3,keyasint"`
	ValueDigest    Hash          `cbor:"4,keyasint"`
	Signatories    []ValidatorID `cbor:"5,keyasint"`
	ApprovingPower int64         `cbor:"6,keyasint"`
	TotalPower     int64         `cbor:"7,keyasint"`
	DecidedAt      int64         `cbor:"8,keyasint"`
}

// ValidateBasic performs stateless sanity checks.
func (d *Decision) ValidateBasic() error {
	if d == nil {
		return ErrInvalidDecision
	}
	if len(d.ProposalID.Data) != HashSize {
		return fmt.Errorf("%w: proposal id must be %d bytes", ErrInvalidDecision, HashSize)
	}
	if len(d.Signatories) == 0 {
		return fmt.Errorf("%w: no signatories", ErrInvalidDecision)
	}
	if d.ApprovingPower <= 0 || d.TotalPower <= 0 {
		return fmt.Errorf("%w: non-positive power", ErrInvalidDecision)
	}
	if !MeetsQuorum(d.ApprovingPower, d.TotalPower) {
		return fmt.Errorf("%w: approving power %d is not a quorum of %d",
			ErrInvalidDecision, d.ApprovingPower, d.TotalPower)
	}
	return nil
}

// HasSignatory reports whether id contributed a counted approving vote.
func (d *Decision) HasSignatory(id ValidatorID) bool {
	for _, s := range d.Signatories {
		if s == id {
			return true
		}
	}
	return false
}

// Equal reports whether two decisions record the same outcome. DecidedAt
// is excluded: replay recomputes decisions with fresh timestamps and must
// still match the logged outcome.
func (d *Decision) Equal(other *Decision) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Round != other.Round ||
		d.Proposer != other.Proposer ||
		d.ApprovingPower != other.ApprovingPower ||
		d.TotalPower != other.TotalPower ||
		!HashEqual(d.ProposalID, other.ProposalID) ||
		!HashEqual(d.ValueDigest, other.ValueDigest) ||
		len(d.Signatories) != len(other.Signatories) {
		return false
	}
	for i, s := range d.Signatories {
		if s != other.Signatories[i] {
			return false
		}
	}
	return true
}

// Copy creates a deep copy of the decision.
func (d *Decision) Copy() *Decision {
	if d == nil {
		return nil
	}
	cp := &Decision{
		Round:          d.Round,
		ProposalID:     *CopyHash(&d.ProposalID),
		Proposer:       d.Proposer,
		ValueDigest:    *CopyHash(&d.ValueDigest),
		ApprovingPower: d.ApprovingPower,
		TotalPower:     d.TotalPower,
		DecidedAt:      d.DecidedAt,
	}
	if len(d.Signatories) > 0 {
		cp.Signatories = make([]ValidatorID, len(d.Signatories))
		copy(cp.Signatories, d.Signatories)
	}
	return cp
}

// hashDecision is the hashed projection of a decision, with DecidedAt
// excluded for the same reason Equal excludes it.
type hashDecision struct {
	Round          uint64   `cbor:"1,keyasint"`
	ProposalID     []byte   `cbor:"2,keyasint"`
	Proposer       string   `cbor:"3,keyasint"`
	ValueDigest    []byte   `cbor:"4,keyasint"`
	Signatories    []string `cbor:"5,keyasint"`
	ApprovingPower int64    `cbor:"6,keyasint"`
	TotalPower     int64    `cbor:"7,keyasint"`
}

// Hash computes a deterministic digest of the decision outcome.
func (d *Decision) Hash() Hash {
	hashed := hashDecision{
		Round:          d.Round,
		ProposalID:     d.ProposalID.Data,
		Proposer:       string(d.Proposer),
		ValueDigest:    d.ValueDigest.Data,
		Signatories:    make([]string, len(d.Signatories)),
		ApprovingPower: d.ApprovingPower,
		TotalPower:     d.TotalPower,
	}
	for i, s := range d.Signatories {
		hashed.Signatories[i] = string(s)
	}
	return HashBytes(MustMarshalCanonical(&hashed))
}
