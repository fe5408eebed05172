package evidence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockberries/quorumberry/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrVoteRoundMismatch = errors.New("votes have different rounds")
	ErrVoterMismatch     = errors.New("votes from different voters")
	ErrSameVerdict       = errors.New("votes with the same verdict are not equivocation")
	ErrUnknownVoter      = errors.New("voter not in validator set")
)

// DuplicateVoteEvidence proves that one validator cast two different
// verdicts in the same round. VoteA is the counted first vote, VoteB a
// later conflicting one. Power figures are captured at observation time
// so the slashing module can price the offence without the set.
type DuplicateVoteEvidence struct {
	VoteA          types.Vote `cbor:"1,keyasint"`
	VoteB          types.Vote `cbor:"2,keyasint"`
	ValidatorPower int64      `cbor:"3,keyasint"`
	TotalPower     int64      `cbor:"4,keyasint"`
	ObservedAt     int64      `cbor:"5,keyasint"`
}

// NewDuplicateVoteEvidence builds evidence from a counted vote and a
// conflicting later one. Returns an error when the pair is not actually
// an equivocation.
func NewDuplicateVoteEvidence(first, second *types.Vote, valSet *types.ValidatorSet) (*DuplicateVoteEvidence, error) {
	if first == nil || second == nil {
		return nil, ErrInvalidEvidence
	}
	if first.Round != second.Round {
		return nil, ErrVoteRoundMismatch
	}
	if first.Voter != second.Voter {
		return nil, ErrVoterMismatch
	}
	if first.SameVerdict(second) {
		return nil, ErrSameVerdict
	}

	ev := &DuplicateVoteEvidence{
		VoteA:      *first.Copy(),
		VoteB:      *second.Copy(),
		ObservedAt: time.Now().UnixNano(),
	}
	if valSet != nil {
		ev.TotalPower = valSet.TotalVotingPower()
		if val, err := valSet.Lookup(first.Voter); err == nil {
			ev.ValidatorPower = val.Power
		}
	}
	return ev, nil
}

// Voter returns the equivocating validator.
func (ev *DuplicateVoteEvidence) Voter() types.ValidatorID {
	return ev.VoteA.Voter
}

// Round returns the round the equivocation happened in.
func (ev *DuplicateVoteEvidence) Round() uint64 {
	return ev.VoteA.Round
}

// Verify re-checks the evidence structurally and, when both votes carry
// signatures, cryptographically. The slashing collaborator calls this
// before acting; the core trusts its own ledger and never does.
func (ev *DuplicateVoteEvidence) Verify(instanceID string, valSet *types.ValidatorSet) error {
	if ev.VoteA.Round != ev.VoteB.Round {
		return ErrVoteRoundMismatch
	}
	if ev.VoteA.Voter != ev.VoteB.Voter {
		return ErrVoterMismatch
	}
	if ev.VoteA.SameVerdict(&ev.VoteB) {
		return ErrSameVerdict
	}

	val, err := valSet.Lookup(ev.VoteA.Voter)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownVoter, ev.VoteA.Voter)
	}

	if len(ev.VoteA.Signature.Data) > 0 || len(ev.VoteB.Signature.Data) > 0 {
		if err := types.VerifyVoteSignature(instanceID, &ev.VoteA, val.PublicKey); err != nil {
			return fmt.Errorf("invalid signature on vote A: %w", err)
		}
		if err := types.VerifyVoteSignature(instanceID, &ev.VoteB, val.PublicKey); err != nil {
			return fmt.Errorf("invalid signature on vote B: %w", err)
		}
	}
	return nil
}

// Size is a conservative wire-size estimate used for paging.
func (ev *DuplicateVoteEvidence) Size() int64 {
	data := types.MustMarshalCanonical(ev)
	return int64(len(data))
}

// key identifies the offence: one evidence entry per voter per round.
// Further conflicts in the same round add nothing for slashing.
func (ev *DuplicateVoteEvidence) key() string {
	return fmt.Sprintf("%s/%d", ev.VoteA.Voter, ev.VoteA.Round)
}

// Config holds evidence pool configuration
type Config struct {
	// MaxAge is how long pending evidence stays actionable.
	MaxAge time.Duration
	// MaxAgeRounds expires evidence once the instance has moved this
	// many rounds past it.
	MaxAgeRounds uint64
	// MaxBytes caps one Pending page.
	MaxBytes int64
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAge:       48 * time.Hour,
		MaxAgeRounds: 100000,
		MaxBytes:     1 << 20,
	}
}

// Pool collects equivocation evidence for the slashing collaborator.
// The ledger detects conflicts; the pool deduplicates, pages, and
// prunes them.
type Pool struct {
	log    zerolog.Logger
	mu     sync.RWMutex
	config Config

	// pending, in observation order
	pending []*DuplicateVoteEvidence

	// every offence ever seen, including acknowledged ones
	seen map[string]struct{}

	// highest round the instance has told us about, for age pruning
	currentRound uint64
	currentTime  time.Time
}

// NewPool creates a new evidence pool
func NewPool(log zerolog.Logger, config Config) *Pool {
	return &Pool{
		log:         log.With().Str("component", "evidence").Logger(),
		config:      config,
		seen:        make(map[string]struct{}),
		currentTime: time.Now(),
	}
}

// Update advances the pool's round/time horizon and prunes expired
// evidence.
func (p *Pool) Update(round uint64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if round > p.currentRound {
		p.currentRound = round
	}
	p.currentTime = now
	p.pruneExpired()
}

// Add records evidence. One entry per (voter, round); later conflicts
// for the same offence return ErrDuplicateEvidence.
func (p *Pool) Add(ev *DuplicateVoteEvidence) error {
	if ev == nil {
		return ErrInvalidEvidence
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := ev.key()
	if _, ok := p.seen[key]; ok {
		return ErrDuplicateEvidence
	}
	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}

	p.seen[key] = struct{}{}
	p.pending = append(p.pending, ev)

	p.log.Info().
		Str("voter", string(ev.Voter())).
		Uint64("round", ev.Round()).
		Msg("equivocation evidence recorded")
	return nil
}

// Pending returns evidence for the slashing module, oldest first, up to
// maxBytes (the configured cap when maxBytes <= 0).
func (p *Pool) Pending(maxBytes int64) []*DuplicateVoteEvidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if maxBytes <= 0 {
		maxBytes = p.config.MaxBytes
	}

	var result []*DuplicateVoteEvidence
	var totalSize int64
	for _, ev := range p.pending {
		evSize := ev.Size()
		if totalSize+evSize > maxBytes {
			break
		}
		result = append(result, ev)
		totalSize += evSize
	}
	return result
}

// Acknowledge removes evidence the slashing module has consumed. The
// seen set keeps rejecting re-submissions of the same offence.
func (p *Pool) Acknowledge(evs []*DuplicateVoteEvidence) {
	if len(evs) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	drop := make(map[string]struct{}, len(evs))
	for _, ev := range evs {
		drop[ev.key()] = struct{}{}
	}

	remaining := p.pending[:0]
	for _, ev := range p.pending {
		if _, ok := drop[ev.key()]; !ok {
			remaining = append(remaining, ev)
		}
	}
	p.pending = remaining
}

// Size returns the number of pending evidence items
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// Rounds returns the distinct rounds with pending evidence, ascending.
func (p *Pool) Rounds() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := make(map[uint64]struct{})
	for _, ev := range p.pending {
		set[ev.Round()] = struct{}{}
	}
	rounds := make([]uint64, 0, len(set))
	for r := range set {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	return rounds
}

// pruneExpired drops pending evidence past the age horizon. Caller must
// hold p.mu.
func (p *Pool) pruneExpired() {
	remaining := p.pending[:0]
	for _, ev := range p.pending {
		if p.isExpired(ev) {
			p.log.Debug().
				Str("voter", string(ev.Voter())).
				Uint64("round", ev.Round()).
				Msg("pruned expired evidence")
			continue
		}
		remaining = append(remaining, ev)
	}
	p.pending = remaining
}

// isExpired checks evidence against both age horizons. Caller must hold
// p.mu.
func (p *Pool) isExpired(ev *DuplicateVoteEvidence) bool {
	if p.currentRound > ev.Round() && p.currentRound-ev.Round() > p.config.MaxAgeRounds {
		return true
	}
	observed := time.Unix(0, ev.ObservedAt)
	return p.currentTime.Sub(observed) > p.config.MaxAge
}
