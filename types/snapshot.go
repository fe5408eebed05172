package types

// RecordedVote is one vote as the ledger remembers it: the vote itself
// plus whether it was counted. Only the first vote per (round, voter) is
// counted; the rest are audit trail.
type RecordedVote struct {
	Vote    Vote
	Counted bool
}

// RoundRecords is everything one round has accepted.
type RoundRecords struct {
	Round     uint64
	Proposals []Proposal
	Votes     []RecordedVote
	Decision  *Decision
	Halted    bool
}

// Snapshot is a point-in-time deep copy of a consensus instance's state,
// consumed by the safety monitor and by diagnostics. Producing one is
// O(everything recorded); it is a verification tool, not a hot path.
type Snapshot struct {
	InstanceID string
	Validators []Validator
	TotalPower int64
	Rounds     []RoundRecords
}

// Round returns the records for one round, or nil.
func (s *Snapshot) Round(round uint64) *RoundRecords {
	for i := range s.Rounds {
		if s.Rounds[i].Round == round {
			return &s.Rounds[i]
		}
	}
	return nil
}

// ValidatorByID returns the snapshot entry for id, or nil.
func (s *Snapshot) ValidatorByID(id ValidatorID) *Validator {
	for i := range s.Validators {
		if s.Validators[i].ID == id {
			return &s.Validators[i]
		}
	}
	return nil
}
