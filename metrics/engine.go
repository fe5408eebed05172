package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineCollector publishes engine events as prometheus metrics.
type EngineCollector struct {
	proposalsRecorded   prometheus.Counter
	votesRecorded       prometheus.Counter
	duplicateVotes      prometheus.Counter
	conflictingVotes    prometheus.Counter
	rejectedSubmissions *prometheus.CounterVec
	decisionsReached    prometheus.Counter
	decisionLatency     prometheus.Histogram
	invariantViolations prometheus.Counter
	lastDecidedRound    prometheus.Gauge
	inboxLength         prometheus.Gauge
	inboxDropped        prometheus.Counter
	ingestDeduplicated  prometheus.Counter
	subscriberDropped   prometheus.Counter
	evidencePending     prometheus.Gauge
	walWrites           prometheus.Counter
	walBytes            prometheus.Counter
	roundsStalled       prometheus.Counter
}

var _ Collector = (*EngineCollector)(nil)

// NewEngineCollector registers the engine metrics with the given
// registerer and returns the collector.
func NewEngineCollector(registerer prometheus.Registerer) *EngineCollector {
	ec := &EngineCollector{
		proposalsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "proposals_recorded_total",
			Help:      "number of proposal submissions accepted into round ledgers",
		}),
		votesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "votes_recorded_total",
			Help:      "number of first votes counted toward quorum tallies",
		}),
		duplicateVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "duplicate_votes_total",
			Help:      "number of repeat votes recorded for audit without counting",
		}),
		conflictingVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "conflicting_votes_total",
			Help:      "number of equivocating vote pairs forwarded as evidence",
		}),
		rejectedSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "rejected_submissions_total",
			Help:      "number of rejected submissions by reason",
		}, []string{"reason"}),
		decisionsReached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "decisions_reached_total",
			Help:      "number of rounds that reached a decision",
		}),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "decision_latency_seconds",
			Help:      "time from first submission of a round to its decision",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 3, 10, 30},
		}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "invariant_violations_total",
			Help:      "number of rounds halted by a safety invariant violation; any nonzero value is critical",
		}),
		lastDecidedRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "last_decided_round",
			Help:      "highest round number that reached a decision",
		}),
		inboxLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemInbox,
			Name:      "length",
			Help:      "current depth of the ingest queue",
		}),
		inboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemInbox,
			Name:      "dropped_total",
			Help:      "number of submissions rejected by a full ingest queue",
		}),
		ingestDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemInbox,
			Name:      "deduplicated_total",
			Help:      "number of identical re-deliveries dropped before apply",
		}),
		subscriberDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "subscriber_dropped_total",
			Help:      "number of decision notifications dropped on full subscriber buffers",
		}),
		evidencePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEvidence,
			Name:      "pending",
			Help:      "number of evidence records awaiting acknowledgement",
		}),
		walWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemWAL,
			Name:      "writes_total",
			Help:      "number of records appended to the decision log",
		}),
		walBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemWAL,
			Name:      "written_bytes_total",
			Help:      "payload bytes appended to the decision log",
		}),
		roundsStalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemEngine,
			Name:      "rounds_stalled_total",
			Help:      "number of pacer deadlines that expired before a decision",
		}),
	}

	registerer.MustRegister(
		ec.proposalsRecorded,
		ec.votesRecorded,
		ec.duplicateVotes,
		ec.conflictingVotes,
		ec.rejectedSubmissions,
		ec.decisionsReached,
		ec.decisionLatency,
		ec.invariantViolations,
		ec.lastDecidedRound,
		ec.inboxLength,
		ec.inboxDropped,
		ec.ingestDeduplicated,
		ec.subscriberDropped,
		ec.evidencePending,
		ec.walWrites,
		ec.walBytes,
		ec.roundsStalled,
	)
	return ec
}

func (ec *EngineCollector) ProposalRecorded(round uint64) {
	ec.proposalsRecorded.Inc()
}

func (ec *EngineCollector) VoteRecorded(round uint64) {
	ec.votesRecorded.Inc()
}

func (ec *EngineCollector) DuplicateVote(round uint64) {
	ec.duplicateVotes.Inc()
}

func (ec *EngineCollector) ConflictingVote(round uint64) {
	ec.conflictingVotes.Inc()
}

func (ec *EngineCollector) SubmissionRejected(reason string) {
	ec.rejectedSubmissions.WithLabelValues(reason).Inc()
}

func (ec *EngineCollector) DecisionReached(round uint64, elapsed time.Duration) {
	ec.decisionsReached.Inc()
	ec.decisionLatency.Observe(elapsed.Seconds())
	ec.lastDecidedRound.Set(float64(round))
}

func (ec *EngineCollector) InvariantViolation(round uint64) {
	ec.invariantViolations.Inc()
}

func (ec *EngineCollector) InboxLength(n int) {
	ec.inboxLength.Set(float64(n))
}

func (ec *EngineCollector) InboxDropped() {
	ec.inboxDropped.Inc()
}

func (ec *EngineCollector) IngestDeduplicated() {
	ec.ingestDeduplicated.Inc()
}

func (ec *EngineCollector) SubscriberDropped() {
	ec.subscriberDropped.Inc()
}

func (ec *EngineCollector) EvidencePending(n int) {
	ec.evidencePending.Set(float64(n))
}

func (ec *EngineCollector) WALWritten(bytes int) {
	ec.walWrites.Inc()
	ec.walBytes.Add(float64(bytes))
}

func (ec *EngineCollector) RoundStalled(round uint64) {
	ec.roundsStalled.Inc()
}
