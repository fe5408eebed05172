package types

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ValidatorID identifies a validator. IDs are opaque strings chosen at
// registration time; transport is responsible for binding them to keys.
type ValidatorID string

// ValidatorStatus is an extension point for the staking module. The core
// records status transitions but counting semantics never consult status:
// which, if any, statuses disqualify a validator is staking policy.
type ValidatorStatus uint8

// Validator statuses
const (
	StatusActive ValidatorStatus = iota
	StatusSuspected
	StatusSlashed
)

// String returns the human-readable status name.
func (s ValidatorStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuspected:
		return "suspected"
	case StatusSlashed:
		return "slashed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Constants
const (
	// MaxValidators is the maximum number of validators in a set.
	// Limited by uint16 index and practical performance considerations.
	MaxValidators = 65535

	// MaxTotalVotingPower caps the summed power of a set. The cap leaves
	// headroom so that power*3 and total*2 stay inside int64 during
	// quorum checks: 3*(1<<60) < MaxInt64.
	MaxTotalVotingPower = int64(1) << 60
)

// Errors
var (
	ErrValidatorNotFound  = errors.New("validator not found")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrInvalidVotingPower = errors.New("invalid voting power")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrTotalPowerOverflow = errors.New("total voting power overflow")
	ErrEmptyValidatorID   = errors.New("validator has empty id")
	ErrSetSealed          = errors.New("validator set is sealed")
)

// PowerFunc derives voting power from staked amount. It must be fixed and
// deterministic for the lifetime of a set so every replica computes the
// same powers.
type PowerFunc func(stake uint64) int64

// DefaultPowerFunc maps stake to power one-to-one, clamped to the set cap.
func DefaultPowerFunc(stake uint64) int64 {
	if stake > uint64(MaxTotalVotingPower) {
		return MaxTotalVotingPower
	}
	return int64(stake)
}

// Validator is one registered entry of a set. Index is assigned in
// registration order and is stable for the lifetime of the set.
type Validator struct {
	ID        ValidatorID
	Index     uint16
	Stake     uint64
	Power     int64
	Status    ValidatorStatus
	PublicKey PublicKey
}

// Copy returns a deep copy of the validator.
func (v *Validator) Copy() *Validator {
	cp := *v
	cp.PublicKey = CopyPublicKey(v.PublicKey)
	return &cp
}

// ValidatorSet is the registry of weighted validators for one consensus
// instance. It is mutable through Register until Seal is called;
// afterwards it is read-only and safe to share. The engine operates on a
// sealed deep copy, so the set handed to it is a stable snapshot for
// every round.
type ValidatorSet struct {
	mu      sync.RWMutex
	powerFn PowerFunc
	vals    []*Validator
	byID    map[ValidatorID]*Validator
	byIndex map[uint16]*Validator
	total   int64
	sealed  bool
}

// ValidatorSetOption configures a new set.
type ValidatorSetOption func(*ValidatorSet)

// WithPowerFunc overrides the stake-to-power derivation. Must be chosen
// once at configuration time; changing it between replicas forks power.
func WithPowerFunc(fn PowerFunc) ValidatorSetOption {
	return func(vs *ValidatorSet) {
		vs.powerFn = fn
	}
}

// NewValidatorSet creates an empty, unsealed set.
func NewValidatorSet(opts ...ValidatorSetOption) *ValidatorSet {
	vs := &ValidatorSet{
		powerFn: DefaultPowerFunc,
		byID:    make(map[ValidatorID]*Validator),
		byIndex: make(map[uint16]*Validator),
	}
	for _, opt := range opts {
		opt(vs)
	}
	return vs
}

// Register adds a validator with the given stake. The entry's power is
// derived via the set's PowerFunc. Fails once the set is sealed.
func (vs *ValidatorSet) Register(id ValidatorID, stake uint64) (*Validator, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.register(id, stake, PublicKey{})
}

// RegisterWithKey registers a validator and attaches its signing key for
// collaborators that need it (the core itself never verifies signatures).
func (vs *ValidatorSet) RegisterWithKey(id ValidatorID, stake uint64, pub PublicKey) (*Validator, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.register(id, stake, pub)
}

func (vs *ValidatorSet) register(id ValidatorID, stake uint64, pub PublicKey) (*Validator, error) {
	if vs.sealed {
		return nil, ErrSetSealed
	}
	if id == "" {
		return nil, ErrEmptyValidatorID
	}
	if _, exists := vs.byID[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateValidator, id)
	}
	if len(vs.vals) >= MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(vs.vals)+1, MaxValidators)
	}

	power := vs.powerFn(stake)
	if power <= 0 {
		return nil, fmt.Errorf("%w: stake %d derives power %d", ErrInvalidVotingPower, stake, power)
	}
	if vs.total > MaxTotalVotingPower-power {
		return nil, fmt.Errorf("%w: exceeds %d", ErrTotalPowerOverflow, MaxTotalVotingPower)
	}

	val := &Validator{
		ID:        id,
		Index:     uint16(len(vs.vals)),
		Stake:     stake,
		Power:     power,
		Status:    StatusActive,
		PublicKey: CopyPublicKey(pub),
	}
	vs.vals = append(vs.vals, val)
	vs.byID[id] = val
	vs.byIndex[val.Index] = val
	vs.total += power
	return val.Copy(), nil
}

// Seal closes the registration window. Sealing an empty set fails; every
// instance needs at least one validator. Sealing twice is a no-op.
func (vs *ValidatorSet) Seal() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if len(vs.vals) == 0 {
		return ErrEmptyValidatorSet
	}
	vs.sealed = true
	return nil
}

// Sealed reports whether the registration window has closed.
func (vs *ValidatorSet) Sealed() bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.sealed
}

// SetStatus records a status transition for a registered validator.
// Status is bookkeeping for the staking module; it does not change
// membership or counted power.
func (vs *ValidatorSet) SetStatus(id ValidatorID, status ValidatorStatus) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	val, ok := vs.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrValidatorNotFound, id)
	}
	val.Status = status
	return nil
}

// IsMember reports whether id is registered.
func (vs *ValidatorSet) IsMember(id ValidatorID) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	_, ok := vs.byID[id]
	return ok
}

// Lookup returns a copy of the validator with the given id.
func (vs *ValidatorSet) Lookup(id ValidatorID) (*Validator, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	val, ok := vs.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrValidatorNotFound, id)
	}
	return val.Copy(), nil
}

// GetByIndex returns a copy of the validator at the given index, or nil.
func (vs *ValidatorSet) GetByIndex(index uint16) *Validator {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	val, ok := vs.byIndex[index]
	if !ok {
		return nil
	}
	return val.Copy()
}

// Size returns the number of registered validators.
func (vs *ValidatorSet) Size() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.vals)
}

// TotalVotingPower returns the cached sum of all registered power.
func (vs *ValidatorSet) TotalVotingPower() int64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.total
}

// Entries returns value copies of all validators in index order.
func (vs *ValidatorSet) Entries() []Validator {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	out := make([]Validator, len(vs.vals))
	for i, v := range vs.vals {
		out[i] = *v.Copy()
	}
	return out
}

// MeetsQuorum reports whether power constitutes a two-thirds quorum of
// this set. The check is the integer cross-multiplication
//
//	power*3 > total*2
//
// which has no division and therefore no rounding drift; it is the
// authoritative quorum predicate everywhere in the module. Both products
// fit in int64 because total is capped at MaxTotalVotingPower.
func (vs *ValidatorSet) MeetsQuorum(power int64) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return MeetsQuorum(power, vs.total)
}

// MeetsQuorum is the standalone form of the quorum predicate for callers
// holding only the totals, such as the safety monitor.
func MeetsQuorum(power, total int64) bool {
	if total <= 0 || power < 0 {
		return false
	}
	return power*3 > total*2
}

// QuorumThreshold returns the minimal power q with q*3 > total*2. The
// value is derived without multiplying the total: 2/3 is computed as
// third + third with a remainder adjustment, matching the predicate
// exactly (see TestQuorumThresholdMatchesPredicate).
func (vs *ValidatorSet) QuorumThreshold() int64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	third := vs.total / 3
	remainder := vs.total % 3

	twoThirds := third + third
	if remainder == 2 {
		twoThirds++
	}

	// +1 to require strictly greater than 2/3
	return twoThirds + 1
}

// Copy creates a sealed-state-preserving deep copy of the set.
func (vs *ValidatorSet) Copy() *ValidatorSet {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	cp := &ValidatorSet{
		powerFn: vs.powerFn,
		vals:    make([]*Validator, len(vs.vals)),
		byID:    make(map[ValidatorID]*Validator, len(vs.vals)),
		byIndex: make(map[uint16]*Validator, len(vs.vals)),
		total:   vs.total,
		sealed:  vs.sealed,
	}
	for i, v := range vs.vals {
		val := v.Copy()
		cp.vals[i] = val
		cp.byID[val.ID] = val
		cp.byIndex[val.Index] = val
	}
	return cp
}

// hashValidator is the hashed projection of a validator. Status is
// excluded: it is mutable bookkeeping that changes under staking policy,
// and two sets with identical composition must hash identically.
type hashValidator struct {
	ID    string `cbor:"1,keyasint"`
	Index uint16 `cbor:"2,keyasint"`
	Stake uint64 `cbor:"3,keyasint"`
	Power int64  `cbor:"4,keyasint"`
}

// Hash computes a deterministic digest of the set composition.
func (vs *ValidatorSet) Hash() Hash {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	sorted := make([]*Validator, len(vs.vals))
	copy(sorted, vs.vals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	hashed := struct {
		Validators []hashValidator `cbor:"1,keyasint"`
		TotalPower int64           `cbor:"2,keyasint"`
	}{
		Validators: make([]hashValidator, len(sorted)),
		TotalPower: vs.total,
	}
	for i, v := range sorted {
		hashed.Validators[i] = hashValidator{
			ID:    string(v.ID),
			Index: v.Index,
			Stake: v.Stake,
			Power: v.Power,
		}
	}
	return HashBytes(MustMarshalCanonical(&hashed))
}
