package privval

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/quorumberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-based private validator: an ed25519 key pair in one
// file and the last sign state in another. The state file is what makes
// restarts safe; losing it forfeits double-sign protection.
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	id      types.ValidatorID
	pubKey  types.PublicKey
	privKey ed25519.PrivateKey

	lastSignState LastSignState
}

// FilePVKey is the key file layout.
type FilePVKey struct {
	ID      string `json:"id"`
	PubKey  []byte `json:"pub_key"`
	PrivKey []byte `json:"priv_key"`
}

// FilePVState is the state file layout.
type FilePVState struct {
	Round     uint64 `json:"round"`
	VoteID    []byte `json:"vote_id,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// NewFilePV loads a private validator from the given paths, generating
// a fresh key and empty state for whichever file is missing.
func NewFilePV(id types.ValidatorID, keyFilePath, stateFilePath string) (*FilePV, error) {
	if id == "" {
		return nil, fmt.Errorf("empty validator id")
	}
	pv := &FilePV{
		id:            id,
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV generates a new key pair and writes both files,
// overwriting previous ones. Meant for setup tooling.
func GenerateFilePV(id types.ValidatorID, keyFilePath, stateFilePath string) (*FilePV, error) {
	if id == "" {
		return nil, fmt.Errorf("empty validator id")
	}
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pub, err := types.NewPublicKey(pubKey)
	if err != nil {
		return nil, err
	}
	pv := &FilePV{
		id:            id,
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		pubKey:        pub,
		privKey:       privKey,
	}

	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// loadKey loads the key file, generating one if it does not exist.
func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if os.IsNotExist(err) {
		pubKey, privKey, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		pv.pubKey, err = types.NewPublicKey(pubKey)
		if err != nil {
			return err
		}
		pv.privKey = privKey
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}

	if key.ID != string(pv.id) {
		return fmt.Errorf("key file belongs to validator %q, not %q", key.ID, pv.id)
	}
	if len(key.PrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size %d", len(key.PrivKey))
	}
	pub, err := types.NewPublicKey(key.PubKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if derived := ed25519.PrivateKey(key.PrivKey).Public().(ed25519.PublicKey); !bytes.Equal(derived, pub.Data) {
		return fmt.Errorf("key file public key does not match private key")
	}

	pv.pubKey = pub
	pv.privKey = key.PrivKey
	return nil
}

func (pv *FilePV) saveKey() error {
	if err := os.MkdirAll(filepath.Dir(pv.keyFilePath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	key := FilePVKey{
		ID:      string(pv.id),
		PubKey:  pv.pubKey.Data,
		PrivKey: pv.privKey,
	}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := os.WriteFile(pv.keyFilePath, data, keyFilePerm); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// loadState loads the state file, initializing empty state if missing.
func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		pv.lastSignState = LastSignState{}
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state FilePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	pv.lastSignState = LastSignState{Round: state.Round}
	if len(state.VoteID) > 0 {
		id, err := types.NewHash(state.VoteID)
		if err != nil {
			return fmt.Errorf("invalid vote id in state file: %w", err)
		}
		pv.lastSignState.VoteID = &id
		sig, err := types.NewSignature(state.Signature)
		if err != nil {
			return fmt.Errorf("invalid signature in state file: %w", err)
		}
		pv.lastSignState.Signature = sig
	}
	return nil
}

func (pv *FilePV) saveState() error {
	if err := os.MkdirAll(filepath.Dir(pv.stateFilePath), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	state := FilePVState{Round: pv.lastSignState.Round}
	if pv.lastSignState.VoteID != nil {
		state.VoteID = pv.lastSignState.VoteID.Data
		state.Signature = pv.lastSignState.Signature.Data
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(pv.stateFilePath, data, stateFilePerm); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// ID returns the validator this signer serves.
func (pv *FilePV) ID() types.ValidatorID {
	return pv.id
}

// GetPubKey returns the public key
func (pv *FilePV) GetPubKey() types.PublicKey {
	return types.CopyPublicKey(pv.pubKey)
}

// SignVote signs a vote in place, enforcing double-sign prevention.
// Signing the identical vote again reuses the recorded signature, even
// across restarts. State is persisted before the signature is released.
func (pv *FilePV) SignVote(instanceID string, vote *types.Vote) error {
	if vote == nil {
		return types.ErrInvalidVote
	}
	pv.mu.Lock()
	defer pv.mu.Unlock()

	switch err := pv.lastSignState.CheckRound(vote.Round); err {
	case nil:
	case ErrDoubleSign:
		if pv.lastSignState.SameVote(vote) {
			vote.Signature = types.CopySignature(pv.lastSignState.Signature)
			return nil
		}
		return fmt.Errorf("%w: round %d already signed with a different vote", ErrDoubleSign, vote.Round)
	default:
		return fmt.Errorf("%w: round %d behind sign state round %d", err, vote.Round, pv.lastSignState.Round)
	}

	signBytes := types.VoteSignBytes(instanceID, vote)
	sig := types.MustNewSignature(ed25519.Sign(pv.privKey, signBytes))

	voteID := vote.ID()
	pv.lastSignState = LastSignState{
		Round:     vote.Round,
		VoteID:    &voteID,
		Signature: sig,
	}
	if err := pv.saveState(); err != nil {
		return err
	}

	vote.Signature = types.CopySignature(sig)
	return nil
}

// SignProposal signs a proposal in place. Multiple proposals per round
// are legitimate, so proposals bypass the sign state.
func (pv *FilePV) SignProposal(instanceID string, proposal *types.Proposal) error {
	if proposal == nil {
		return types.ErrInvalidProposal
	}
	pv.mu.Lock()
	defer pv.mu.Unlock()

	signBytes := types.ProposalSignBytes(instanceID, proposal)
	proposal.Signature = types.MustNewSignature(ed25519.Sign(pv.privKey, signBytes))
	return nil
}

// LastSignState returns a copy of the current sign state.
func (pv *FilePV) LastSignState() LastSignState {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	out := LastSignState{
		Round:     pv.lastSignState.Round,
		Signature: types.CopySignature(pv.lastSignState.Signature),
	}
	if pv.lastSignState.VoteID != nil {
		out.VoteID = types.CopyHash(pv.lastSignState.VoteID)
	}
	return out
}

// Reset clears the sign state. This forfeits double-sign protection for
// everything signed so far; use only when provisioning a validator for
// a brand new instance.
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = LastSignState{}
	return pv.saveState()
}

var _ PrivValidator = (*FilePV)(nil)
