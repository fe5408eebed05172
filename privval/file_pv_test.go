package privval

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/quorumberry/types"
)

const testInstance = "quorumberry-test"

func pvPaths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "key.json"), filepath.Join(dir, "state.json")
}

func newTestPV(t *testing.T) (*FilePV, string, string) {
	t.Helper()
	keyPath, statePath := pvPaths(t)
	pv, err := GenerateFilePV("val0", keyPath, statePath)
	require.NoError(t, err)
	return pv, keyPath, statePath
}

func testApproval(round uint64, voter, target string) *types.Vote {
	return types.NewVote(round, types.ValidatorID(voter), types.HashBytes([]byte(target)), true, 1700000000)
}

func TestGenerateFilePV(t *testing.T) {
	pv, keyPath, statePath := newTestPV(t)

	assert.Equal(t, types.ValidatorID("val0"), pv.ID())
	assert.Len(t, pv.GetPubKey().Data, ed25519.PublicKeySize)

	for _, path := range []string{keyPath, statePath} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestNewFilePVGeneratesWhenMissing(t *testing.T) {
	keyPath, statePath := pvPaths(t)

	pv1, err := NewFilePV("val0", keyPath, statePath)
	require.NoError(t, err)
	require.FileExists(t, keyPath)
	require.FileExists(t, statePath)

	// A second load must find the same key, not generate a new one.
	pv2, err := NewFilePV("val0", keyPath, statePath)
	require.NoError(t, err)
	assert.Equal(t, pv1.GetPubKey().Data, pv2.GetPubKey().Data)
}

func TestNewFilePVRejectsForeignKey(t *testing.T) {
	_, keyPath, statePath := newTestPV(t)

	_, err := NewFilePV("val1", keyPath, statePath)
	require.ErrorContains(t, err, "belongs to validator")
}

func TestNewFilePVRejectsCorruptKeyFile(t *testing.T) {
	keyPath, statePath := pvPaths(t)
	require.NoError(t, os.WriteFile(keyPath, []byte("not json"), 0600))

	_, err := NewFilePV("val0", keyPath, statePath)
	require.ErrorContains(t, err, "failed to parse key file")
}

func TestNewFilePVRejectsMismatchedKeyPair(t *testing.T) {
	pv, keyPath, statePath := newTestPV(t)

	// Swap in a public key from a different pair.
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	forged := FilePVKey{
		ID:      "val0",
		PubKey:  otherPub,
		PrivKey: pv.privKey,
	}
	data, err := json.Marshal(forged)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, data, 0600))

	_, err = NewFilePV("val0", keyPath, statePath)
	require.ErrorContains(t, err, "does not match")
}

func TestSignVoteVerifies(t *testing.T) {
	pv, _, _ := newTestPV(t)

	vote := testApproval(1, "val0", "block-1")
	require.NoError(t, pv.SignVote(testInstance, vote))
	require.NotEmpty(t, vote.Signature.Data)

	require.NoError(t, types.VerifyVoteSignature(testInstance, vote, pv.GetPubKey()))

	lss := pv.LastSignState()
	assert.Equal(t, uint64(1), lss.Round)
	require.NotNil(t, lss.VoteID)
	assert.True(t, types.HashEqual(*lss.VoteID, vote.ID()))
}

func TestSignVoteWrongInstanceFailsVerification(t *testing.T) {
	pv, _, _ := newTestPV(t)

	vote := testApproval(1, "val0", "block-1")
	require.NoError(t, pv.SignVote(testInstance, vote))
	require.Error(t, types.VerifyVoteSignature("other-instance", vote, pv.GetPubKey()))
}

func TestSignVoteIdempotent(t *testing.T) {
	pv, _, _ := newTestPV(t)

	vote := testApproval(3, "val0", "block-3")
	require.NoError(t, pv.SignVote(testInstance, vote))

	// Same verdict, fresh timestamp: still the same vote.
	retry := testApproval(3, "val0", "block-3")
	retry.Timestamp = vote.Timestamp + 500
	require.NoError(t, pv.SignVote(testInstance, retry))

	assert.Equal(t, vote.Signature.Data, retry.Signature.Data)
	require.NoError(t, types.VerifyVoteSignature(testInstance, retry, pv.GetPubKey()))
}

func TestSignVoteConflictingFails(t *testing.T) {
	pv, _, _ := newTestPV(t)

	vote := testApproval(3, "val0", "block-a")
	require.NoError(t, pv.SignVote(testInstance, vote))

	conflicting := testApproval(3, "val0", "block-b")
	err := pv.SignVote(testInstance, conflicting)
	require.ErrorIs(t, err, ErrDoubleSign)
	assert.Empty(t, conflicting.Signature.Data)

	// A rejection of the same proposal is a different verdict too.
	flipped := testApproval(3, "val0", "block-a")
	flipped.Approve = false
	require.ErrorIs(t, pv.SignVote(testInstance, flipped), ErrDoubleSign)

	// The original remains re-signable.
	again := testApproval(3, "val0", "block-a")
	require.NoError(t, pv.SignVote(testInstance, again))
	assert.Equal(t, vote.Signature.Data, again.Signature.Data)
}

func TestSignVoteRoundRegressionFails(t *testing.T) {
	pv, _, _ := newTestPV(t)

	require.NoError(t, pv.SignVote(testInstance, testApproval(5, "val0", "block-5")))

	err := pv.SignVote(testInstance, testApproval(3, "val0", "block-3"))
	require.ErrorIs(t, err, ErrRoundRegression)
}

func TestSignVoteAdvancesRounds(t *testing.T) {
	pv, _, _ := newTestPV(t)

	for _, round := range []uint64{1, 2, 5, 100} {
		vote := testApproval(round, "val0", "block")
		require.NoError(t, pv.SignVote(testInstance, vote))
		require.NoError(t, types.VerifyVoteSignature(testInstance, vote, pv.GetPubKey()))
	}
	assert.Equal(t, uint64(100), pv.LastSignState().Round)
}

func TestDoubleSignProtectionSurvivesRestart(t *testing.T) {
	pv, keyPath, statePath := newTestPV(t)

	vote := testApproval(7, "val0", "block-7")
	require.NoError(t, pv.SignVote(testInstance, vote))

	reloaded, err := NewFilePV("val0", keyPath, statePath)
	require.NoError(t, err)

	lss := reloaded.LastSignState()
	assert.Equal(t, uint64(7), lss.Round)
	require.NotNil(t, lss.VoteID)

	conflicting := testApproval(7, "val0", "block-other")
	require.ErrorIs(t, reloaded.SignVote(testInstance, conflicting), ErrDoubleSign)

	identical := testApproval(7, "val0", "block-7")
	require.NoError(t, reloaded.SignVote(testInstance, identical))
	assert.Equal(t, vote.Signature.Data, identical.Signature.Data)
}

func TestSignProposal(t *testing.T) {
	pv, _, _ := newTestPV(t)

	p1 := types.NewProposal(1, "val0", []byte("block-a"), 1700000000)
	require.NoError(t, pv.SignProposal(testInstance, p1))
	require.NoError(t, types.VerifyProposalSignature(testInstance, p1, pv.GetPubKey()))

	// Competing proposals in one round are not equivocation.
	p2 := types.NewProposal(1, "val0", []byte("block-b"), 1700000001)
	require.NoError(t, pv.SignProposal(testInstance, p2))
	require.NoError(t, types.VerifyProposalSignature(testInstance, p2, pv.GetPubKey()))
}

func TestReset(t *testing.T) {
	pv, _, _ := newTestPV(t)

	require.NoError(t, pv.SignVote(testInstance, testApproval(9, "val0", "block-9")))
	require.NoError(t, pv.Reset())

	lss := pv.LastSignState()
	assert.Zero(t, lss.Round)
	assert.Nil(t, lss.VoteID)

	require.NoError(t, pv.SignVote(testInstance, testApproval(1, "val0", "block-1")))
}

func TestSignNilSubmissions(t *testing.T) {
	pv, _, _ := newTestPV(t)
	require.Error(t, pv.SignVote(testInstance, nil))
	require.Error(t, pv.SignProposal(testInstance, nil))
}

func TestCheckRound(t *testing.T) {
	var lss LastSignState
	require.NoError(t, lss.CheckRound(0))
	require.NoError(t, lss.CheckRound(42))

	id := types.HashBytes([]byte("vote"))
	lss = LastSignState{Round: 5, VoteID: &id}
	require.ErrorIs(t, lss.CheckRound(4), ErrRoundRegression)
	require.ErrorIs(t, lss.CheckRound(5), ErrDoubleSign)
	require.NoError(t, lss.CheckRound(6))
}
