package metrics

import (
	"time"
)

// NoopCollector discards all events. It is the default collector and
// the one tests use.
type NoopCollector struct{}

var _ Collector = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) ProposalRecorded(round uint64)                       {}
func (nc *NoopCollector) VoteRecorded(round uint64)                           {}
func (nc *NoopCollector) DuplicateVote(round uint64)                          {}
func (nc *NoopCollector) ConflictingVote(round uint64)                        {}
func (nc *NoopCollector) SubmissionRejected(reason string)                    {}
func (nc *NoopCollector) DecisionReached(round uint64, elapsed time.Duration) {}
func (nc *NoopCollector) InvariantViolation(round uint64)                     {}
func (nc *NoopCollector) InboxLength(n int)                                   {}
func (nc *NoopCollector) InboxDropped()                                       {}
func (nc *NoopCollector) IngestDeduplicated()                                 {}
func (nc *NoopCollector) SubscriberDropped()                                  {}
func (nc *NoopCollector) EvidencePending(n int)                               {}
func (nc *NoopCollector) WALWritten(bytes int)                                {}
func (nc *NoopCollector) RoundStalled(round uint64)                           {}
