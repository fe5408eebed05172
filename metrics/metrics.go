// Package metrics instruments the decision engine. The Collector
// interface decouples the engine from prometheus; production wiring
// uses EngineCollector, tests use NoopCollector.
package metrics

import (
	"time"
)

// Namespace and subsystem labels for all quorumberry metrics.
const (
	namespaceConsensus = "quorumberry"

	subsystemEngine   = "engine"
	subsystemInbox    = "inbox"
	subsystemEvidence = "evidence"
	subsystemWAL      = "wal"
)

// Rejection reason labels reported via SubmissionRejected.
const (
	ReasonNotRegistered   = "not_registered"
	ReasonUnknownProposal = "unknown_proposal"
	ReasonRoundClosed     = "round_closed"
	ReasonRoundHalted     = "round_halted"
	ReasonInvalid         = "invalid"
	ReasonOther           = "other"
)

// Collector receives engine events. Implementations must be safe for
// concurrent use and must never block.
type Collector interface {
	// ProposalRecorded counts accepted proposal submissions.
	ProposalRecorded(round uint64)
	// VoteRecorded counts counted first votes.
	VoteRecorded(round uint64)
	// DuplicateVote counts repeat votes kept for audit only.
	DuplicateVote(round uint64)
	// ConflictingVote counts equivocations handed to the evidence pool.
	ConflictingVote(round uint64)
	// SubmissionRejected counts rejected submissions by reason label.
	SubmissionRejected(reason string)
	// DecisionReached records a decided round and its open-to-decide latency.
	DecisionReached(round uint64, elapsed time.Duration)
	// InvariantViolation counts halted rounds. Any nonzero value is an alert.
	InvariantViolation(round uint64)
	// InboxLength tracks the ingest queue depth.
	InboxLength(n int)
	// InboxDropped counts submissions rejected by a full inbox.
	InboxDropped()
	// IngestDeduplicated counts identical re-deliveries dropped before apply.
	IngestDeduplicated()
	// SubscriberDropped counts decision notifications dropped on full
	// subscriber buffers.
	SubscriberDropped()
	// EvidencePending tracks the evidence pool size.
	EvidencePending(n int)
	// WALWritten counts decision-log appends and their payload bytes.
	WALWritten(bytes int)
	// RoundStalled counts pacer deadline expiries.
	RoundStalled(round uint64)
}
