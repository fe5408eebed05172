package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/blockberries/quorumberry/types"
	"github.com/blockberries/quorumberry/wal"
)

// ReplayResult summarizes a decision log replay.
type ReplayResult struct {
	// RecordsReplayed counts every record fed through the core.
	RecordsReplayed int
	// ProposalsReplayed and VotesReplayed count by record type.
	ProposalsReplayed int
	VotesReplayed     int
	// DecisionsVerified counts logged decisions that the replayed core
	// reproduced exactly.
	DecisionsVerified int
	// HighestRound is the largest round seen in the log.
	HighestRound uint64
	// Truncated is true when the log ended in a torn record, which is
	// expected after a crash mid-write. Everything before the tear was
	// replayed.
	Truncated bool
}

// Replay feeds a recorded decision log through a core and verifies that
// every logged decision is reproduced exactly. Because the core is
// deterministic and the log preserves per-round submission order,
// rejected submissions reject again and duplicate votes flag again;
// neither stops the replay.
//
// The observe callback, when non-nil, receives every replayed vote and
// its receipt; the engine uses it to rebuild transient state such as
// equivocation evidence. A missing log yields an empty result.
//
// An ErrWALReplay return means the log and the recomputed state
// disagree, which indicates corruption or tampering beyond a torn tail.
func Replay(log zerolog.Logger, core *Core, dir string, observe func(*types.Vote, *VoteReceipt)) (*ReplayResult, error) {
	result := &ReplayResult{}

	reader, err := wal.OpenForReading(dir)
	if err != nil {
		if errors.Is(err, wal.ErrNotFound) {
			return result, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
	}
	defer reader.Close()

	log = log.With().Str("component", "replay").Logger()

	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn record ends the usable log. Records are framed
			// with a CRC, so anything readable up to here is intact.
			log.Warn().Int("replayed", result.RecordsReplayed).Err(err).
				Msg("decision log ends in a torn record, stopping replay")
			result.Truncated = true
			break
		}

		if rec.Round > result.HighestRound {
			result.HighestRound = rec.Round
		}

		if err := replayRecord(log, core, rec, result, observe); err != nil {
			return nil, err
		}
		result.RecordsReplayed++
	}

	log.Info().
		Int("records", result.RecordsReplayed).
		Int("proposals", result.ProposalsReplayed).
		Int("votes", result.VotesReplayed).
		Int("decisions_verified", result.DecisionsVerified).
		Uint64("highest_round", result.HighestRound).
		Msg("decision log replayed")

	return result, nil
}

// replayRecord applies one log record to the core.
func replayRecord(log zerolog.Logger, core *Core, rec *wal.Record, result *ReplayResult, observe func(*types.Vote, *VoteReceipt)) error {
	switch rec.Type {
	case wal.RecordTypeProposal:
		proposal, err := wal.DecodeProposal(rec.Data)
		if err != nil {
			return fmt.Errorf("%w: failed to decode proposal: %v", ErrWALReplay, err)
		}
		if proposal.Round != rec.Round {
			return fmt.Errorf("%w: %w: proposal for round %d logged under round %d",
				ErrWALReplay, wal.ErrInvalidRound, proposal.Round, rec.Round)
		}
		if _, err := core.SubmitProposal(proposal); err != nil {
			// the original run rejected it too
			log.Debug().Uint64("round", rec.Round).Err(err).Msg("replayed proposal rejected")
		}
		result.ProposalsReplayed++
		return nil

	case wal.RecordTypeVote:
		vote, err := wal.DecodeVote(rec.Data)
		if err != nil {
			return fmt.Errorf("%w: failed to decode vote: %v", ErrWALReplay, err)
		}
		if vote.Round != rec.Round {
			return fmt.Errorf("%w: %w: vote for round %d logged under round %d",
				ErrWALReplay, wal.ErrInvalidRound, vote.Round, rec.Round)
		}
		receipt, err := core.SubmitVote(vote)
		if err != nil && receipt == nil {
			log.Debug().Uint64("round", rec.Round).Err(err).Msg("replayed vote rejected")
			result.VotesReplayed++
			return nil
		}
		if err != nil {
			// a second decision inside a single log cannot happen unless
			// the log itself is bad
			return fmt.Errorf("%w: round %d: %v", ErrWALReplay, rec.Round, err)
		}
		if observe != nil {
			observe(vote, receipt)
		}
		result.VotesReplayed++
		return nil

	case wal.RecordTypeDecision:
		logged, err := wal.DecodeDecision(rec.Data)
		if err != nil {
			return fmt.Errorf("%w: failed to decode decision: %v", ErrWALReplay, err)
		}
		if logged.Round != rec.Round {
			return fmt.Errorf("%w: %w: decision for round %d logged under round %d",
				ErrWALReplay, wal.ErrInvalidRound, logged.Round, rec.Round)
		}
		recomputed, ok := core.DecisionFor(logged.Round)
		if !ok {
			return fmt.Errorf("%w: log holds a decision for round %d the replay did not reproduce", ErrWALReplay, logged.Round)
		}
		if !recomputed.Equal(logged) {
			return fmt.Errorf("%w: recomputed decision for round %d differs from the logged one", ErrWALReplay, logged.Round)
		}
		result.DecisionsVerified++
		return nil

	default:
		// unknown record types are skipped for forward compatibility
		log.Debug().Uint8("type", uint8(rec.Type)).Msg("skipping unknown record type")
		return nil
	}
}

// Recover replays the engine's decision log into its core. Call it
// after NewEngine and before Start; recovered rounds come back in their
// decided or open state, and equivocation evidence found in the log is
// re-pooled.
func (e *Engine) Recover() (*ReplayResult, error) {
	if e.started.Load() {
		return nil, ErrAlreadyStarted
	}
	if e.cfg.WALDir == "" {
		return &ReplayResult{}, nil
	}

	return Replay(e.log, e.core, e.cfg.WALDir, func(v *types.Vote, receipt *VoteReceipt) {
		// rebuild the evidence pool from replayed equivocations
		if receipt.ConflictsWith != nil {
			e.recordEquivocation(receipt.ConflictsWith, v)
		}
	})
}
