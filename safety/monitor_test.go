package safety

import (
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/blockberries/quorumberry/engine"
	"github.com/blockberries/quorumberry/types"
)

const tsBase = 1700000000

func sealedSet(t *testing.T, n int) *types.ValidatorSet {
	t.Helper()
	vs := types.NewValidatorSet()
	for i := 0; i < n; i++ {
		_, err := vs.Register(types.ValidatorID(fmt.Sprintf("val%d", i)), 1)
		require.NoError(t, err)
	}
	require.NoError(t, vs.Seal())
	return vs
}

func weightedSet(t *testing.T, stakes ...uint64) *types.ValidatorSet {
	t.Helper()
	vs := types.NewValidatorSet()
	for i, stake := range stakes {
		_, err := vs.Register(types.ValidatorID(fmt.Sprintf("val%d", i)), stake)
		require.NoError(t, err)
	}
	require.NoError(t, vs.Seal())
	return vs
}

func newTestCore(t *testing.T, valSet *types.ValidatorSet) *engine.Core {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.WALDir = ""
	core, err := engine.NewCore(zerolog.Nop(), cfg, valSet)
	require.NoError(t, err)
	return core
}

func testProposal(round uint64, proposer, value string) *types.Proposal {
	return types.NewProposal(round, types.ValidatorID(proposer), []byte(value), tsBase)
}

func approval(round uint64, voter string, id types.Hash) *types.Vote {
	return types.NewVote(round, types.ValidatorID(voter), id, true, tsBase)
}

func rejection(round uint64, voter string, id types.Hash) *types.Vote {
	return types.NewVote(round, types.ValidatorID(voter), id, false, tsBase)
}

// decideRound drives a proposal from val0 through `approvals` approving
// votes and returns the proposal.
func decideRound(t *testing.T, core *engine.Core, round uint64, approvals int) *types.Proposal {
	t.Helper()
	p := testProposal(round, "val0", fmt.Sprintf("block-%d", round))
	_, err := core.SubmitProposal(p)
	require.NoError(t, err)
	for i := 0; i < approvals; i++ {
		_, err := core.SubmitVote(approval(round, fmt.Sprintf("val%d", i), p.ID()))
		require.NoError(t, err)
	}
	return p
}

func plainValidators(powers ...int64) []types.Validator {
	out := make([]types.Validator, len(powers))
	for i, p := range powers {
		out[i] = types.Validator{
			ID:     types.ValidatorID(fmt.Sprintf("val%d", i)),
			Index:  uint16(i),
			Stake:  uint64(p),
			Power:  p,
			Status: types.StatusActive,
		}
	}
	return out
}

func handSnapshot(rounds []types.RoundRecords, powers ...int64) *types.Snapshot {
	var total int64
	for _, p := range powers {
		total += p
	}
	return &types.Snapshot{
		InstanceID: "handmade",
		Validators: plainValidators(powers...),
		TotalPower: total,
		Rounds:     rounds,
	}
}

// violationNames unpacks an aggregated check error into the invariant
// names it reports.
func violationNames(t *testing.T, err error) []string {
	t.Helper()
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	names := make([]string, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		var v Violation
		require.ErrorAs(t, e, &v)
		names = append(names, v.Invariant)
	}
	return names
}

func TestMonitorCleanInstance(t *testing.T) {
	core := newTestCore(t, sealedSet(t, 4))
	mon := NewMonitor(zerolog.Nop(), Config{FaultTolerance: 1, EnumerationLimit: 12})

	// Round 1 decides, round 2 stays short of quorum, round 3 sees an
	// equivocating validator.
	decideRound(t, core, 1, 3)

	p2 := testProposal(2, "val1", "pending")
	_, err := core.SubmitProposal(p2)
	require.NoError(t, err)
	_, err = core.SubmitVote(approval(2, "val2", p2.ID()))
	require.NoError(t, err)
	_, err = core.SubmitVote(rejection(2, "val3", p2.ID()))
	require.NoError(t, err)

	a := testProposal(3, "val0", "fork-a")
	b := testProposal(3, "val1", "fork-b")
	_, err = core.SubmitProposal(a)
	require.NoError(t, err)
	_, err = core.SubmitProposal(b)
	require.NoError(t, err)
	_, err = core.SubmitVote(approval(3, "val3", a.ID()))
	require.NoError(t, err)
	receipt, err := core.SubmitVote(approval(3, "val3", b.ID()))
	require.NoError(t, err)
	require.NotNil(t, receipt.ConflictsWith)

	require.NoError(t, mon.Check(core.Snapshot()))

	// More traffic, then a second check against the remembered state.
	_, err = core.SubmitVote(approval(2, "val0", p2.ID()))
	require.NoError(t, err)
	require.NoError(t, mon.Check(core.Snapshot()))
}

func TestMonitorSevenValidators(t *testing.T) {
	core := newTestCore(t, sealedSet(t, 7))
	mon := NewMonitor(zerolog.Nop(), Config{FaultTolerance: 2, EnumerationLimit: 12})

	p := testProposal(1, "val0", "block-1")
	_, err := core.SubmitProposal(p)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := core.SubmitVote(rejection(1, fmt.Sprintf("val%d", i), p.ID()))
		require.NoError(t, err)
	}
	for i := 2; i < 7; i++ {
		_, err := core.SubmitVote(approval(1, fmt.Sprintf("val%d", i), p.ID()))
		require.NoError(t, err)
	}

	_, decided := core.DecisionFor(1)
	require.True(t, decided)
	require.NoError(t, mon.Check(core.Snapshot()))
}

func TestMonitorWeightedStakes(t *testing.T) {
	core := newTestCore(t, weightedSet(t, 70, 20, 10))
	mon := NewMonitor(zerolog.Nop(), DefaultConfig())

	p := testProposal(1, "val0", "block-1")
	_, err := core.SubmitProposal(p)
	require.NoError(t, err)
	_, err = core.SubmitVote(approval(1, "val0", p.ID()))
	require.NoError(t, err)
	_, err = core.SubmitVote(approval(1, "val1", p.ID()))
	require.NoError(t, err)

	_, decided := core.DecisionFor(1)
	require.True(t, decided)
	require.NoError(t, mon.Check(core.Snapshot()))
}

func TestMonitorFaultBound(t *testing.T) {
	mon := NewMonitor(zerolog.Nop(), Config{FaultTolerance: 1, EnumerationLimit: 12})

	err := mon.Check(handSnapshot(nil, 1, 1, 1, 1))
	require.NoError(t, err)

	mon = NewMonitor(zerolog.Nop(), Config{FaultTolerance: 1, EnumerationLimit: 12})
	err = mon.Check(handSnapshot(nil, 1, 1, 1))
	require.Error(t, err)
	assert.Contains(t, violationNames(t, err), InvariantFaultBound)
}

func TestMonitorWhaleQuorumFlagged(t *testing.T) {
	// One validator holds a quorum alone. If it is the faulty one, two
	// "quorums" can be the whale by itself twice over.
	mon := NewMonitor(zerolog.Nop(), Config{FaultTolerance: 1, EnumerationLimit: 12})
	err := mon.Check(handSnapshot(nil, 97, 1, 1, 1))
	require.Error(t, err)
	assert.Equal(t, []string{InvariantIntersection}, violationNames(t, err))

	mon = NewMonitor(zerolog.Nop(), Config{FaultTolerance: 1, EnumerationLimit: 12})
	require.NoError(t, mon.Check(handSnapshot(nil, 1, 1, 1, 1)))
}

func TestMonitorDiscreteStakesClearAlgebraicBound(t *testing.T) {
	// Powers 5,5,3: the algebraic worst case allows two quorums
	// overlapping in only 5 power, but the single realizable quorum
	// {val0,val1} always overlaps itself with 10. Enumeration must
	// clear the intersection check; only the fault bound fires for
	// three validators.
	mon := NewMonitor(zerolog.Nop(), Config{FaultTolerance: 1, EnumerationLimit: 12})
	err := mon.Check(handSnapshot(nil, 5, 5, 3))
	require.Error(t, err)
	assert.Equal(t, []string{InvariantFaultBound}, violationNames(t, err))
}

func TestMonitorLargeSetUsesAlgebraicBound(t *testing.T) {
	whale := []int64{88, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	mon := NewMonitor(zerolog.Nop(), Config{FaultTolerance: 1, EnumerationLimit: 12})
	err := mon.Check(handSnapshot(nil, whale...))
	require.Error(t, err)
	assert.Contains(t, violationNames(t, err), InvariantIntersection)

	equal := []int64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	mon = NewMonitor(zerolog.Nop(), Config{FaultTolerance: 4, EnumerationLimit: 12})
	require.NoError(t, mon.Check(handSnapshot(nil, equal...)))
}

func TestMonitorRewrittenDecisionDetected(t *testing.T) {
	core := newTestCore(t, sealedSet(t, 4))
	mon := NewMonitor(zerolog.Nop(), DefaultConfig())

	decideRound(t, core, 1, 3)
	require.NoError(t, mon.Check(core.Snapshot()))

	// Same power, same votes, different signatory order: a different
	// decision than the one the monitor recorded.
	forged := core.Snapshot()
	sig := forged.Rounds[0].Decision.Signatories
	sig[0], sig[len(sig)-1] = sig[len(sig)-1], sig[0]

	err := mon.Check(forged)
	require.Error(t, err)
	assert.Equal(t, []string{InvariantAgreement}, violationNames(t, err))

	// A decided round cannot lose its decision either.
	undone := core.Snapshot()
	undone.Rounds[0].Decision = nil
	err = mon.Check(undone)
	require.Error(t, err)
	assert.Contains(t, violationNames(t, err), InvariantAgreement)
}

func TestMonitorInstanceMismatch(t *testing.T) {
	cfgA := engine.DefaultConfig()
	cfgA.WALDir = ""
	cfgA.InstanceID = "chain-a"
	coreA, err := engine.NewCore(zerolog.Nop(), cfgA, sealedSet(t, 4))
	require.NoError(t, err)

	cfgB := engine.DefaultConfig()
	cfgB.WALDir = ""
	cfgB.InstanceID = "chain-b"
	coreB, err := engine.NewCore(zerolog.Nop(), cfgB, sealedSet(t, 4))
	require.NoError(t, err)

	mon := NewMonitor(zerolog.Nop(), DefaultConfig())
	require.NoError(t, mon.Check(coreA.Snapshot()))

	err = mon.Check(coreB.Snapshot())
	require.Error(t, err)
	assert.Contains(t, violationNames(t, err), InvariantAgreement)
}

func TestMonitorDecidedWithoutProposal(t *testing.T) {
	phantom := testProposal(1, "val0", "phantom")
	votes := make([]types.RecordedVote, 0, 3)
	for i := 0; i < 3; i++ {
		votes = append(votes, types.RecordedVote{
			Vote:    *approval(1, fmt.Sprintf("val%d", i), phantom.ID()),
			Counted: true,
		})
	}
	snap := handSnapshot([]types.RoundRecords{{
		Round: 1,
		Votes: votes,
		Decision: &types.Decision{
			Round:          1,
			ProposalID:     phantom.ID(),
			Proposer:       "val0",
			ValueDigest:    types.HashBytes([]byte("phantom")),
			Signatories:    []types.ValidatorID{"val0", "val1", "val2"},
			ApprovingPower: 3,
			TotalPower:     4,
			DecidedAt:      tsBase,
		},
	}}, 1, 1, 1, 1)

	mon := NewMonitor(zerolog.Nop(), DefaultConfig())
	err := mon.Check(snap)
	require.Error(t, err)
	assert.Equal(t, []string{InvariantValidity}, violationNames(t, err))
}

func TestMonitorCountingViolations(t *testing.T) {
	p := testProposal(1, "val0", "block-1")
	snap := handSnapshot([]types.RoundRecords{{
		Round:     1,
		Proposals: []types.Proposal{*p},
		Votes: []types.RecordedVote{
			{Vote: *approval(1, "val0", p.ID()), Counted: true},
			{Vote: *rejection(1, "val0", p.ID()), Counted: true},
			{Vote: *approval(1, "mallory", p.ID()), Counted: true},
			{Vote: *approval(1, "val1", p.ID()), Counted: false},
		},
	}}, 1, 1, 1, 1)

	mon := NewMonitor(zerolog.Nop(), DefaultConfig())
	err := mon.Check(snap)
	require.Error(t, err)
	assert.ElementsMatch(t,
		[]string{InvariantSingleCounting, InvariantAuthenticity},
		violationNames(t, err))
}

func TestMonitorQuorumViolations(t *testing.T) {
	p := testProposal(1, "val0", "block-1")
	snap := handSnapshot([]types.RoundRecords{{
		Round:     1,
		Proposals: []types.Proposal{*p},
		Votes: []types.RecordedVote{
			{Vote: *approval(1, "val0", p.ID()), Counted: true},
			{Vote: *approval(1, "val1", p.ID()), Counted: true},
		},
		Decision: &types.Decision{
			Round:          1,
			ProposalID:     p.ID(),
			Proposer:       "val0",
			ValueDigest:    types.HashBytes([]byte("block-1")),
			Signatories:    []types.ValidatorID{"val0", "val1"},
			ApprovingPower: 3, // claims more than the signatories hold
			TotalPower:     4,
			DecidedAt:      tsBase,
		},
	}}, 1, 1, 1, 1)

	mon := NewMonitor(zerolog.Nop(), DefaultConfig())
	err := mon.Check(snap)
	require.Error(t, err)
	assert.Equal(t, []string{InvariantQuorum, InvariantQuorum}, violationNames(t, err))
	assert.ErrorContains(t, err, "claims approving power 3")
	assert.ErrorContains(t, err, "not a quorum")
}

func TestMonitorSignatoryViolations(t *testing.T) {
	p := testProposal(1, "val0", "block-1")
	snap := handSnapshot([]types.RoundRecords{{
		Round:     1,
		Proposals: []types.Proposal{*p},
		Votes: []types.RecordedVote{
			{Vote: *approval(1, "val0", p.ID()), Counted: true},
			{Vote: *rejection(1, "val3", p.ID()), Counted: true},
		},
		Decision: &types.Decision{
			Round:          1,
			ProposalID:     p.ID(),
			Proposer:       "val0",
			ValueDigest:    types.HashBytes([]byte("block-1")),
			Signatories:    []types.ValidatorID{"val0", "val2", "val3"},
			ApprovingPower: 3,
			TotalPower:     4,
			DecidedAt:      tsBase,
		},
	}}, 1, 1, 1, 1)

	// val2 never voted and val3 voted to reject, yet both are listed as
	// signatories.
	mon := NewMonitor(zerolog.Nop(), DefaultConfig())
	err := mon.Check(snap)
	require.Error(t, err)
	assert.Equal(t, []string{InvariantSignatories, InvariantSignatories}, violationNames(t, err))
}

func TestMonitorNilSnapshot(t *testing.T) {
	mon := NewMonitor(zerolog.Nop(), DefaultConfig())
	require.Error(t, mon.Check(nil))
}

// TestMonitorHoldsUnderRandomTraffic throws arbitrary proposal and vote
// interleavings at a live core and requires every snapshot along the
// way to satisfy all invariants.
func TestMonitorHoldsUnderRandomTraffic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(4, 7).Draw(rt, "validators")
		vs := types.NewValidatorSet()
		for i := 0; i < n; i++ {
			if _, err := vs.Register(types.ValidatorID(fmt.Sprintf("val%d", i)), uint64(rapid.IntRange(1, 5).Draw(rt, fmt.Sprintf("stake-%d", i)))); err != nil {
				rt.Fatal(err)
			}
		}
		if err := vs.Seal(); err != nil {
			rt.Fatal(err)
		}

		cfg := engine.DefaultConfig()
		cfg.WALDir = ""
		core, err := engine.NewCore(zerolog.Nop(), cfg, vs)
		if err != nil {
			rt.Fatal(err)
		}
		mon := NewMonitor(zerolog.Nop(), Config{EnumerationLimit: 12})

		rounds := rapid.IntRange(1, 3).Draw(rt, "rounds")
		for r := 1; r <= rounds; r++ {
			round := uint64(r)

			var ids []types.Hash
			nProps := rapid.IntRange(1, 3).Draw(rt, fmt.Sprintf("proposals-%d", r))
			for pi := 0; pi < nProps; pi++ {
				proposer := rapid.IntRange(0, n-1).Draw(rt, fmt.Sprintf("proposer-%d-%d", r, pi))
				p := testProposal(round, fmt.Sprintf("val%d", proposer), fmt.Sprintf("value-%d-%d", r, pi))
				if _, err := core.SubmitProposal(p); err == nil {
					ids = append(ids, p.ID())
				}
			}

			nVotes := rapid.IntRange(0, 2*n).Draw(rt, fmt.Sprintf("votes-%d", r))
			for vi := 0; vi < nVotes && len(ids) > 0; vi++ {
				voter := rapid.IntRange(0, n-1).Draw(rt, fmt.Sprintf("voter-%d-%d", r, vi))
				target := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, fmt.Sprintf("target-%d-%d", r, vi))]
				vote := types.NewVote(round, types.ValidatorID(fmt.Sprintf("val%d", voter)), target,
					rapid.Bool().Draw(rt, fmt.Sprintf("approve-%d-%d", r, vi)), tsBase+int64(vi))
				// duplicates, conflicts and closed rounds are all
				// legitimate rejections here
				_, _ = core.SubmitVote(vote)
			}

			if err := mon.Check(core.Snapshot()); err != nil {
				rt.Fatalf("invariant violated after round %d traffic: %v", r, err)
			}
		}
	})
}

// FuzzMonitorTraffic drives a live core from a raw byte script and
// requires the final snapshot to satisfy every invariant.
func FuzzMonitorTraffic(f *testing.F) {
	f.Add([]byte{}, uint8(0))
	f.Add([]byte{0, 1, 0, 1, 1, 0, 1, 1, 1, 1, 1, 2}, uint8(0))
	f.Add([]byte{0, 1, 0, 0, 1, 1, 1, 1, 0, 1, 1, 1, 1, 1, 2, 1, 1, 3}, uint8(3))

	f.Fuzz(func(t *testing.T, script []byte, nRaw uint8) {
		n := 4 + int(nRaw%4)
		vs := types.NewValidatorSet()
		for i := 0; i < n; i++ {
			if _, err := vs.Register(types.ValidatorID(fmt.Sprintf("val%d", i)), uint64(1+i%3)); err != nil {
				t.Fatal(err)
			}
		}
		if err := vs.Seal(); err != nil {
			t.Fatal(err)
		}

		cfg := engine.DefaultConfig()
		cfg.WALDir = ""
		core, err := engine.NewCore(zerolog.Nop(), cfg, vs)
		if err != nil {
			t.Fatal(err)
		}
		// fault tolerance stays zero: the scripted stakes are uneven, so
		// nonzero f could make quorum intersection genuinely fail, which
		// is a finding about the validator set rather than the core
		mon := NewMonitor(zerolog.Nop(), Config{EnumerationLimit: 12})

		accepted := make(map[uint64][]types.Hash)
		for i := 0; i+3 <= len(script); i += 3 {
			op, a, b := script[i], script[i+1], script[i+2]
			round := uint64(a%3) + 1
			valID := fmt.Sprintf("val%d", int(b)%(n+1)) // may exceed the set

			switch op % 4 {
			case 0:
				p := testProposal(round, valID, fmt.Sprintf("value-%d", b))
				if _, err := core.SubmitProposal(p); err == nil {
					accepted[round] = append(accepted[round], p.ID())
				}
			case 1, 2:
				ids := accepted[round]
				if len(ids) == 0 {
					continue
				}
				target := ids[int(b)%len(ids)]
				vote := types.NewVote(round, types.ValidatorID(valID), target, op%4 == 1, tsBase+int64(i))
				_, _ = core.SubmitVote(vote)
			case 3:
				if err := mon.Check(core.Snapshot()); err != nil {
					t.Fatalf("mid-script invariant violation: %v", err)
				}
			}
		}

		if err := mon.Check(core.Snapshot()); err != nil {
			t.Fatalf("final invariant violation: %v", err)
		}
	})
}
