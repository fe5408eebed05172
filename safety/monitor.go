package safety

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/blockberries/quorumberry/types"
)

// Invariant names, as reported in violations.
const (
	InvariantFaultBound     = "fault-bound"
	InvariantAgreement      = "agreement"
	InvariantValidity       = "validity"
	InvariantIntersection   = "quorum-intersection"
	InvariantSingleCounting = "single-counting"
	InvariantAuthenticity   = "vote-authenticity"
	InvariantQuorum         = "decision-quorum"
	InvariantSignatories    = "signatory-validity"
)

// Violation is one failed invariant check. Round is zero for
// instance-wide violations.
type Violation struct {
	Invariant string
	Round     uint64
	Detail    string
}

func (v Violation) Error() string {
	if v.Round == 0 {
		return fmt.Sprintf("invariant %s violated: %s", v.Invariant, v.Detail)
	}
	return fmt.Sprintf("invariant %s violated in round %d: %s", v.Invariant, v.Round, v.Detail)
}

// Config holds safety monitor configuration
type Config struct {
	// FaultTolerance is the assumed Byzantine validator count f. Zero
	// disables the fault-bound check and weakens intersection to
	// non-emptiness.
	FaultTolerance int

	// EnumerationLimit is the largest validator count for which quorum
	// intersection is verified by exhaustive subset enumeration, which
	// is exact for discrete stakes. Larger sets fall back to the
	// conservative algebraic bound. Capped at 16; zero disables
	// enumeration entirely.
	EnumerationLimit int
}

// DefaultConfig returns default safety monitor configuration
func DefaultConfig() Config {
	return Config{
		FaultTolerance:   0,
		EnumerationLimit: 12,
	}
}

// Monitor is an out-of-band oracle that re-derives the consensus safety
// invariants from state snapshots, independently of the engine's own
// bookkeeping. It performs full recomputation on every check and is
// meant for tests, fuzzing and periodic audits, not for hot paths.
//
// A monitor is bound to one consensus instance: it remembers every
// decision it has seen so later snapshots cannot silently rewrite one.
type Monitor struct {
	log zerolog.Logger
	cfg Config

	mu         sync.Mutex
	instanceID string
	seen       map[uint64]types.Hash // decision hash per decided round
}

// NewMonitor creates a safety monitor.
func NewMonitor(log zerolog.Logger, cfg Config) *Monitor {
	if cfg.EnumerationLimit > 16 {
		cfg.EnumerationLimit = 16
	}
	return &Monitor{
		log:  log.With().Str("component", "safety").Logger(),
		cfg:  cfg,
		seen: make(map[uint64]types.Hash),
	}
}

// Check verifies every safety invariant against the snapshot and
// returns all violations found, aggregated. A nil return means the
// snapshot is consistent with every invariant.
func (m *Monitor) Check(snap *types.Snapshot) error {
	if snap == nil {
		return Violation{Invariant: InvariantAgreement, Detail: "nil snapshot"}
	}

	var result *multierror.Error
	report := func(v Violation) {
		m.log.Error().
			Str("invariant", v.Invariant).
			Uint64("round", v.Round).
			Str("detail", v.Detail).
			Msg("safety invariant violated")
		result = multierror.Append(result, v)
	}

	power := make(map[types.ValidatorID]int64, len(snap.Validators))
	for i := range snap.Validators {
		power[snap.Validators[i].ID] = snap.Validators[i].Power
	}

	m.checkFaultBound(snap, report)
	m.checkIntersection(snap, report)
	m.checkAgreement(snap, report)

	for i := range snap.Rounds {
		rec := &snap.Rounds[i]
		m.checkCounting(rec, power, report)
		if rec.Decision != nil {
			m.checkValidity(rec, report)
			m.checkDecisionQuorum(rec, snap.TotalPower, power, report)
			m.checkSignatories(rec, report)
		}
	}

	return result.ErrorOrNil()
}

// checkFaultBound verifies n >= 3f+1 for the configured f.
func (m *Monitor) checkFaultBound(snap *types.Snapshot, report func(Violation)) {
	f := m.cfg.FaultTolerance
	if f <= 0 {
		return
	}
	if n := len(snap.Validators); n < 3*f+1 {
		report(Violation{
			Invariant: InvariantFaultBound,
			Detail:    fmt.Sprintf("%d validators cannot tolerate %d faults (need >= %d)", n, f, 3*f+1),
		})
	}
}

// checkAgreement verifies that decided rounds stay decided the same way
// across snapshots, and that snapshots keep coming from one instance.
func (m *Monitor) checkAgreement(snap *types.Snapshot, report func(Violation)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.instanceID == "" {
		m.instanceID = snap.InstanceID
	} else if m.instanceID != snap.InstanceID {
		report(Violation{
			Invariant: InvariantAgreement,
			Detail:    fmt.Sprintf("snapshot from instance %q, monitoring %q", snap.InstanceID, m.instanceID),
		})
		return
	}

	for i := range snap.Rounds {
		rec := &snap.Rounds[i]
		if rec.Decision == nil {
			// a round cannot un-decide
			if _, was := m.seen[rec.Round]; was {
				report(Violation{
					Invariant: InvariantAgreement,
					Round:     rec.Round,
					Detail:    "previously decided round has no decision",
				})
			}
			continue
		}

		h := rec.Decision.Hash()
		prev, was := m.seen[rec.Round]
		if !was {
			m.seen[rec.Round] = h
			continue
		}
		if !types.HashEqual(prev, h) {
			report(Violation{
				Invariant: InvariantAgreement,
				Round:     rec.Round,
				Detail:    "decision changed between snapshots",
			})
		}
	}
}

// checkValidity verifies the decided proposal was actually submitted in
// its round.
func (m *Monitor) checkValidity(rec *types.RoundRecords, report func(Violation)) {
	for i := range rec.Proposals {
		if types.HashEqual(rec.Proposals[i].ID(), rec.Decision.ProposalID) {
			return
		}
	}
	report(Violation{
		Invariant: InvariantValidity,
		Round:     rec.Round,
		Detail:    fmt.Sprintf("decided proposal %s was never submitted", types.HashString(rec.Decision.ProposalID)),
	})
}

// checkCounting verifies first-vote-wins bookkeeping: at most one
// counted vote per voter, and every counted voter registered.
func (m *Monitor) checkCounting(rec *types.RoundRecords, power map[types.ValidatorID]int64, report func(Violation)) {
	counted := make(map[types.ValidatorID]int)
	for i := range rec.Votes {
		if !rec.Votes[i].Counted {
			continue
		}
		voter := rec.Votes[i].Vote.Voter
		counted[voter]++
		if _, registered := power[voter]; !registered {
			report(Violation{
				Invariant: InvariantAuthenticity,
				Round:     rec.Round,
				Detail:    fmt.Sprintf("counted vote from unregistered voter %q", voter),
			})
		}
	}
	for voter, n := range counted {
		if n > 1 {
			report(Violation{
				Invariant: InvariantSingleCounting,
				Round:     rec.Round,
				Detail:    fmt.Sprintf("voter %q has %d counted votes", voter, n),
			})
		}
	}
}

// checkDecisionQuorum recomputes signatory power and verifies it meets
// the quorum the decision claims.
func (m *Monitor) checkDecisionQuorum(rec *types.RoundRecords, total int64, power map[types.ValidatorID]int64, report func(Violation)) {
	d := rec.Decision

	var signatoryPower int64
	distinct := make(map[types.ValidatorID]struct{}, len(d.Signatories))
	for _, id := range d.Signatories {
		if _, dup := distinct[id]; dup {
			report(Violation{
				Invariant: InvariantQuorum,
				Round:     rec.Round,
				Detail:    fmt.Sprintf("signatory %q listed twice", id),
			})
			continue
		}
		distinct[id] = struct{}{}
		signatoryPower += power[id]
	}

	if signatoryPower != d.ApprovingPower {
		report(Violation{
			Invariant: InvariantQuorum,
			Round:     rec.Round,
			Detail: fmt.Sprintf("decision claims approving power %d, signatories hold %d",
				d.ApprovingPower, signatoryPower),
		})
	}
	if !types.MeetsQuorum(signatoryPower, total) {
		report(Violation{
			Invariant: InvariantQuorum,
			Round:     rec.Round,
			Detail:    fmt.Sprintf("signatory power %d is not a quorum of %d", signatoryPower, total),
		})
	}
}

// checkSignatories verifies each signatory's counted vote approves the
// decided proposal.
func (m *Monitor) checkSignatories(rec *types.RoundRecords, report func(Violation)) {
	countedBy := make(map[types.ValidatorID]*types.Vote, len(rec.Votes))
	for i := range rec.Votes {
		if rec.Votes[i].Counted {
			countedBy[rec.Votes[i].Vote.Voter] = &rec.Votes[i].Vote
		}
	}

	for _, id := range rec.Decision.Signatories {
		vote, ok := countedBy[id]
		if !ok {
			report(Violation{
				Invariant: InvariantSignatories,
				Round:     rec.Round,
				Detail:    fmt.Sprintf("signatory %q has no counted vote", id),
			})
			continue
		}
		if !vote.Approve || !types.HashEqual(vote.ProposalID, rec.Decision.ProposalID) {
			report(Violation{
				Invariant: InvariantSignatories,
				Round:     rec.Round,
				Detail:    fmt.Sprintf("signatory %q's counted vote does not approve the decided proposal", id),
			})
		}
	}
}

// checkIntersection verifies that any two quorums must share a correct
// validator: algebraically always, and by exhaustive enumeration of
// minimal quorums for small sets.
func (m *Monitor) checkIntersection(snap *types.Snapshot, report func(Violation)) {
	total := snap.TotalPower
	if total <= 0 {
		report(Violation{
			Invariant: InvariantIntersection,
			Detail:    fmt.Sprintf("non-positive total power %d", total),
		})
		return
	}

	// minimal power q with q*3 > total*2
	third := total / 3
	q := third + third + 1
	if total%3 == 2 {
		q++
	}

	faultyPower := m.topFaultyPower(snap)

	// For small sets the exhaustive check is authoritative. The
	// algebraic bound 2q-total is conservative: discrete stakes can
	// make every realizable pair of quorums overlap more than the
	// bound suggests.
	if n := len(snap.Validators); n > 0 && n <= m.cfg.EnumerationLimit {
		m.enumerateQuorums(snap, q, faultyPower, report)
		return
	}

	if minOverlap := 2*q - total; minOverlap <= faultyPower {
		report(Violation{
			Invariant: InvariantIntersection,
			Detail: fmt.Sprintf("quorum overlap can be as low as %d power, %d faulty validators may hold %d",
				minOverlap, m.cfg.FaultTolerance, faultyPower),
		})
	}
}

// topFaultyPower returns the most power f validators can jointly hold.
// Zero when no fault tolerance is configured, which reduces the
// intersection requirement to non-emptiness.
func (m *Monitor) topFaultyPower(snap *types.Snapshot) int64 {
	f := m.cfg.FaultTolerance
	if f <= 0 {
		return 0
	}
	powers := make([]int64, 0, len(snap.Validators))
	for i := range snap.Validators {
		powers = append(powers, snap.Validators[i].Power)
	}
	sort.Slice(powers, func(i, j int) bool { return powers[i] > powers[j] })
	if f > len(powers) {
		f = len(powers)
	}
	var sum int64
	for _, p := range powers[:f] {
		sum += p
	}
	return sum
}

// enumerateQuorums checks every pair of minimal quorum subsets for an
// overlap stronger than the faulty share. Superset quorums only grow
// intersections, so minimal quorums suffice.
func (m *Monitor) enumerateQuorums(snap *types.Snapshot, q, faultyPower int64, report func(Violation)) {
	n := len(snap.Validators)
	powerOf := make([]int64, 1<<uint(n))
	for mask := 1; mask < 1<<uint(n); mask++ {
		low := bits.TrailingZeros(uint(mask))
		powerOf[mask] = powerOf[mask&(mask-1)] + snap.Validators[low].Power
	}

	var minimal []int
	for mask := 1; mask < 1<<uint(n); mask++ {
		if powerOf[mask] < q {
			continue
		}
		isMinimal := true
		for rest := mask; rest != 0; rest &= rest - 1 {
			bit := rest & -rest
			if powerOf[mask&^bit] >= q {
				isMinimal = false
				break
			}
		}
		if isMinimal {
			minimal = append(minimal, mask)
		}
	}

	for i := 0; i < len(minimal); i++ {
		for j := i; j < len(minimal); j++ {
			overlap := minimal[i] & minimal[j]
			if powerOf[overlap] <= faultyPower {
				report(Violation{
					Invariant: InvariantIntersection,
					Detail: fmt.Sprintf("quorums %b and %b overlap with only %d power, faulty share is %d",
						minimal[i], minimal[j], powerOf[overlap], faultyPower),
				})
				return
			}
		}
	}
}
