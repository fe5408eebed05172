// Package evidence collects proofs of Byzantine behavior for the
// staking/slashing collaborator.
//
// The only evidence kind is DuplicateVoteEvidence (equivocation): one
// validator casting two different verdicts in the same round. The ledger
// detects the conflict — it holds every validator's counted first vote —
// and the engine hands the conflicting pair to the pool. Identical
// re-deliveries of the same vote are not equivocation and never reach
// the pool.
//
// # Evidence Lifecycle
//
//	1. Detect: the ledger sees a second, conflicting vote from a voter
//	2. Create: NewDuplicateVoteEvidence pairs it with the counted vote
//	3. Pool: Add deduplicates per (voter, round) and queues it
//	4. Consume: the slashing module pages evidence out via Pending
//	5. Acknowledge: consumed evidence leaves the queue for good
//
// # Validation
//
// The core trusts its own ledger and records evidence unverified. The
// slashing side calls Verify before acting, which re-checks the pair
// structurally (same round, same voter, different verdict) and, when
// signatures are present, cryptographically.
//
// # Expiration
//
// Pending evidence expires on two horizons: wall-clock age (MaxAge) and
// round distance (MaxAgeRounds). Expired evidence is pruned on Update;
// punishment for ancient offences is not worth unbounded state.
//
// # Punishment
//
// Detection and reporting live here; punishment policy is the staking
// module's. Typical penalties are stake slashing, jailing via
// ValidatorStatus, or permanent removal.
//
// # Thread Safety
//
// Pool uses internal locking. Multiple goroutines can add and query
// evidence concurrently.
//
// # Usage Example
//
//	pool := evidence.NewPool(log, evidence.DefaultConfig())
//
//	// engine side: record a conflict the ledger caught
//	ev, err := evidence.NewDuplicateVoteEvidence(first, second, valSet)
//	if err == nil {
//	    _ = pool.Add(ev)
//	}
//
//	// slashing side: drain and acknowledge
//	batch := pool.Pending(0)
//	for _, ev := range batch {
//	    if err := ev.Verify(instanceID, valSet); err == nil {
//	        punish(ev)
//	    }
//	}
//	pool.Acknowledge(batch)
package evidence
