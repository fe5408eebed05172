// Package engine implements single-decree Byzantine fault-tolerant
// agreement: each round independently fixes one value forever once a
// supermajority of voting power approves it.
//
// A round moves through at most two phases:
//
//	Open → Decided
//
// with a third terminal phase, Halted, reserved for rounds on which a
// safety invariant was violated. Decided and Halted rounds never
// reopen.
//
// # Core Components
//
// Core: The synchronous consensus state machine. Validates submissions
// against a sealed validator set, tracks first-vote-wins ledgers per
// round, maintains incremental approval tallies, and finalizes a
// decision the moment approving power strictly exceeds two thirds of
// the total. A second decision attempt for the same round halts that
// round and surfaces ErrInvariantViolation.
//
// Engine: The concurrent front door around a Core. Owns the engine
// lifecycle, the bounded ingest inbox, the write-ahead record log, the
// evidence pool, metrics, stall detection, and decision subscriptions.
// Submissions for one round are applied strictly in order; distinct
// rounds proceed in parallel.
//
// RoundPacer: Arms a deadline per open round and reports rounds that
// fail to decide in time. Each stall report backs the next deadline off
// linearly. Stalls are telemetry only; they never change round state.
//
// Replay: Crash recovery from the write-ahead record log. Re-executes
// every logged submission through a fresh core and verifies that every
// logged decision is reproduced bit for bit.
//
// # Usage Example
//
//	// Build and seal the validator set
//	valSet := types.NewValidatorSet()
//	valSet.Register("alice", 100)
//	valSet.Register("bob", 100)
//	valSet.Register("carol", 100)
//	valSet.Register("dave", 100)
//	valSet.Seal()
//
//	// Create and start the engine
//	cfg := engine.DefaultConfig()
//	eng, _ := engine.NewEngine(log, cfg, valSet, nil, nil)
//	eng.Start()
//	defer eng.Stop()
//
//	// Watch for decisions
//	decisions, cancel := eng.SubscribeDecisions()
//	defer cancel()
//
//	// Feed the round
//	eng.SubmitProposal(proposal)
//	eng.SubmitVote(vote)
//
// # Thread Safety
//
// All public methods are safe for concurrent use. The engine serializes
// work per round; Core methods lock per round internally and may also
// be driven directly by single-writer callers such as replay.
//
// # Consensus Properties
//
// Safety: a decision requires approving power strictly greater than
// 2/3 of the sealed total, so two conflicting decisions in one round
// would need overlapping honest voters to approve both. With fewer
// than 1/3 of power Byzantine that cannot happen, and the core
// enforces it mechanically: the decision slot for a round is written
// at most once, ever.
//
// Fail-stop over fail-wrong: if the impossible second decision is
// attempted anyway, the round halts and rejects all further input
// rather than serve conflicting answers.
//
// Accountability: duplicate votes are flagged, counted once, and kept
// as evidence pairs; equivocation is reported, never masked.
package engine
