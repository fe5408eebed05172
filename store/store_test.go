package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/quorumberry/types"
)

func openTestStore(t *testing.T) *DecisionStore {
	t.Helper()
	s, err := Open(zerolog.Nop(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func testDecision(round uint64) *types.Decision {
	p := types.NewProposal(round, "val0", []byte("block"), 1700000000)
	return &types.Decision{
		Round:          round,
		ProposalID:     p.ID(),
		Proposer:       "val0",
		ValueDigest:    p.ValueDigest(),
		Signatories:    []types.ValidatorID{"val0", "val1", "val2"},
		ApprovingPower: 3,
		TotalPower:     4,
		DecidedAt:      time.Now().UnixNano(),
	}
}

func TestArchiveAndLookup(t *testing.T) {
	s := openTestStore(t)

	d := testDecision(7)
	require.NoError(t, s.Archive(d))

	got, err := s.Decision(7)
	require.NoError(t, err)
	assert.True(t, got.Equal(d))
	assert.Equal(t, d.DecidedAt, got.DecidedAt)

	ok, err := s.Has(7)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Has(8)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Decision(8)
	require.ErrorIs(t, err, ErrNotArchived)
}

func TestArchiveWriteOnce(t *testing.T) {
	s := openTestStore(t)

	d := testDecision(7)
	require.NoError(t, s.Archive(d))

	// the same outcome again: no-op, even with a fresh timestamp
	replayed := d.Copy()
	replayed.DecidedAt = d.DecidedAt + 12345
	require.NoError(t, s.Archive(replayed))

	// a different outcome for the round is refused
	conflicting := d.Copy()
	conflicting.Signatories = []types.ValidatorID{"val0", "val1", "val3"}
	require.ErrorIs(t, s.Archive(conflicting), ErrAlreadyArchived)

	// the stored entry is the original
	got, err := s.Decision(7)
	require.NoError(t, err)
	assert.Equal(t, d.DecidedAt, got.DecidedAt)
	assert.Equal(t, []types.ValidatorID{"val0", "val1", "val2"}, got.Signatories)
}

func TestArchiveValidates(t *testing.T) {
	s := openTestStore(t)

	bad := testDecision(1)
	bad.Signatories = nil
	require.ErrorIs(t, s.Archive(bad), types.ErrInvalidDecision)
}

func TestIterateOrdered(t *testing.T) {
	s := openTestStore(t)

	// archive out of order; iteration must come back sorted
	for _, round := range []uint64{9, 2, 500, 41} {
		require.NoError(t, s.Archive(testDecision(round)))
	}

	var rounds []uint64
	require.NoError(t, s.Iterate(0, 0, func(d *types.Decision) error {
		rounds = append(rounds, d.Round)
		return nil
	}))
	assert.Equal(t, []uint64{2, 9, 41, 500}, rounds)

	// bounded range, inclusive on both ends
	rounds = nil
	require.NoError(t, s.Iterate(9, 41, func(d *types.Decision) error {
		rounds = append(rounds, d.Round)
		return nil
	}))
	assert.Equal(t, []uint64{9, 41}, rounds)

	require.Error(t, s.Iterate(10, 5, func(*types.Decision) error { return nil }))
}

func TestIterateStopsOnCallbackError(t *testing.T) {
	s := openTestStore(t)
	for round := uint64(1); round <= 5; round++ {
		require.NoError(t, s.Archive(testDecision(round)))
	}

	stop := assert.AnError
	seen := 0
	err := s.Iterate(0, 0, func(d *types.Decision) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestLatestAndCount(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Latest()
	require.ErrorIs(t, err, ErrNotArchived)

	for _, round := range []uint64{3, 77, 12} {
		require.NoError(t, s.Archive(testDecision(round)))
	}

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(77), latest.Round)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestArchiveSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(zerolog.Nop(), dir)
	require.NoError(t, err)
	d := testDecision(4)
	require.NoError(t, s.Archive(d))
	require.NoError(t, s.Close())

	reopened, err := Open(zerolog.Nop(), dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Decision(4)
	require.NoError(t, err)
	assert.True(t, got.Equal(d))
}
