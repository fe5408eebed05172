// Package types defines the core data structures for the Quorumberry
// decision protocol.
//
// # Core Types
//
// Validator: A registered participant identified by an opaque ID, with
// voting power derived from stake by a fixed PowerFunc.
//
// ValidatorSet: The registry of validators for one consensus instance.
// Mutable through Register until sealed; afterwards a read-only snapshot.
// Carries the quorum arithmetic: MeetsQuorum is the integer
// cross-multiplication power*3 > total*2, and QuorumThreshold is the
// minimal power satisfying it.
//
// Proposal: An immutable candidate value for one round. The payload is
// opaque bytes; consensus only ever handles its digest.
//
// Vote: One validator's verdict (approve or reject) on one proposal in
// one round. Only approving votes contribute power toward a quorum.
//
// Decision: A round's terminal outcome: the decided proposal plus the
// signatories whose counted approving votes crossed the quorum.
//
// # Identity
//
// Proposals, votes, and decisions have content-derived identities:
// SHA-256 over a canonical CBOR projection that excludes timestamps and
// signatures. Re-submitting the same logical record therefore yields the
// same identity, which keeps replay and gossip re-delivery idempotent.
//
// # Serialization
//
// All wire and disk encodings use canonical CBOR (sorted map keys,
// shortest-form integers) so that digests are stable across replicas.
//
// # Signatures
//
// Signature fields are carried opaquely. The core never verifies
// signatures: transport authenticates messages before submission. The
// Verify helpers exist for collaborators that play the transport role
// in-process (simulation, tests).
//
// # Immutability
//
// Core types are designed to be immutable once submitted. Methods return
// deep copies rather than exposing internal state for modification. This
// ensures thread-safe sharing and prevents accidental mutation.
//
// # Usage Example
//
//	// Build and seal a validator set
//	vals := types.NewValidatorSet()
//	vals.Register("alice", 100)
//	vals.Register("bob", 100)
//	vals.Register("carol", 100)
//	vals.Register("dave", 100)
//	err := vals.Seal()
//
//	// Propose and vote
//	prop := types.NewProposal(1, "alice", []byte("upgrade to v2"), time.Now().UnixNano())
//	vote := types.NewVote(1, "bob", prop.ID(), true, time.Now().UnixNano())
package types
