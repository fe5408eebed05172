package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidProposal = errors.New("invalid proposal")
	ErrEmptyValue      = errors.New("proposal has empty value")
)

// Proposal is an immutable candidate value for one round. Any registered
// validator may propose; which validator should propose for a round is
// leader-election policy and lives outside this module. The value payload
// is opaque to consensus.
type Proposal struct {
	Round     uint64      `cbor:"1,keyasint"`
	Proposer  ValidatorID `cbor:"2,keyasint"`
	Value     []byte      `cbor:"3,keyasint"`
	Timestamp int64       `cbor:"4,keyasint"`
	Signature Signature   `cbor:"5,keyasint,omitempty"`
}

// NewProposal creates a new proposal.
func NewProposal(round uint64, proposer ValidatorID, value []byte, timestamp int64) *Proposal {
	p := &Proposal{
		Round:     round,
		Proposer:  proposer,
		Timestamp: timestamp,
	}
	if len(value) > 0 {
		p.Value = make([]byte, len(value))
		copy(p.Value, value)
	}
	return p
}

// ValueDigest returns the SHA-256 digest of the opaque value payload.
func (p *Proposal) ValueDigest() Hash {
	return HashBytes(p.Value)
}

// proposalIdentity is the signed/hashed projection of a proposal. The
// timestamp and signature are excluded so the same logical proposal
// re-submitted later keeps the same identity.
type proposalIdentity struct {
	Round       uint64 `cbor:"1,keyasint"`
	Proposer    string `cbor:"2,keyasint"`
	ValueDigest []byte `cbor:"3,keyasint"`
}

// ID computes the proposal's content-derived identity. Two proposals with
// the same round, proposer, and value digest are the same proposal.
func (p *Proposal) ID() Hash {
	ident := proposalIdentity{
		Round:       p.Round,
		Proposer:    string(p.Proposer),
		ValueDigest: p.ValueDigest().Data,
	}
	return HashBytes(MustMarshalCanonical(&ident))
}

// ValidateBasic performs stateless sanity checks.
func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return ErrInvalidProposal
	}
	if p.Proposer == "" {
		return fmt.Errorf("%w: empty proposer", ErrInvalidProposal)
	}
	if len(p.Value) == 0 {
		return ErrEmptyValue
	}
	return nil
}

// Copy creates a deep copy of the proposal.
func (p *Proposal) Copy() *Proposal {
	if p == nil {
		return nil
	}
	cp := &Proposal{
		Round:     p.Round,
		Proposer:  p.Proposer,
		Timestamp: p.Timestamp,
		Signature: CopySignature(p.Signature),
	}
	if len(p.Value) > 0 {
		cp.Value = make([]byte, len(p.Value))
		copy(cp.Value, p.Value)
	}
	return cp
}

// ProposalSignBytes returns the bytes a proposer signs. The instance ID is
// prepended so signatures never transfer between consensus instances. The
// signed projection is the identity, so re-signing the same proposal is
// idempotent for the signer.
func ProposalSignBytes(instanceID string, p *Proposal) []byte {
	ident := proposalIdentity{
		Round:       p.Round,
		Proposer:    string(p.Proposer),
		ValueDigest: p.ValueDigest().Data,
	}
	data := MustMarshalCanonical(&ident)
	return append([]byte(instanceID), data...)
}

// VerifyProposalSignature verifies the proposer signature on a proposal.
// Verification belongs to transport; this helper exists for collaborators
// (simulation, tests) that play the transport role in-process.
func VerifyProposalSignature(instanceID string, p *Proposal, pubKey PublicKey) error {
	if p == nil {
		return ErrInvalidProposal
	}
	if len(p.Signature.Data) == 0 {
		return errors.New("proposal has no signature")
	}
	if len(pubKey.Data) != ed25519.PublicKeySize {
		return errors.New("invalid public key size")
	}

	signBytes := ProposalSignBytes(instanceID, p)
	if !ed25519.Verify(pubKey.Data, signBytes, p.Signature.Data) {
		return errors.New("invalid proposal signature")
	}
	return nil
}
