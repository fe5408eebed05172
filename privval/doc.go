// Package privval holds validator signing keys and guards them against
// double-signing.
//
// A validator's vote is the one thing it must never contradict: two
// signed votes with different verdicts in the same round are
// equivocation, provable by anyone holding both. FilePV therefore
// couples the ed25519 key with a persisted LastSignState and refuses
// to produce a second, different signature for any round it has
// already signed.
//
// There is a single vote kind, so the sign state is deliberately
// small: the last signed round, the identity digest of the vote, and
// the signature produced. Rounds must be signed in non-decreasing
// order, which is what lets one record cover all history. Re-signing
// the identical vote is idempotent and returns the recorded signature,
// so crash-and-retry loops in callers stay safe. Vote identity
// excludes timestamps; a retried vote with a fresh timestamp is still
// the same vote.
//
// Proposals are signed without sign-state bookkeeping. Multiple
// proposals per round are legitimate, and a conflicting proposal is
// not equivocation.
//
// Layout on disk is two JSON files, both 0600: the key file (validator
// ID plus key pair, written once) and the state file (rewritten on
// every signed vote, before the signature is released to the caller).
// A FilePV serves one consensus instance; reusing key files across
// instances is the deployment's responsibility to avoid.
package privval
