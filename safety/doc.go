// Package safety re-derives consensus safety invariants from state
// snapshots, independently of the engine's incremental bookkeeping.
//
// The engine enforces its invariants inline as submissions arrive. The
// Monitor in this package is the second opinion: given a
// types.Snapshot it recomputes, from the raw records alone, that
//
//   - the validator count covers the configured fault tolerance,
//   - decided rounds never change their decision across snapshots,
//   - every decided proposal was actually submitted in its round,
//   - any two quorums must overlap in more than the faulty share,
//   - no voter has more than one counted vote per round,
//   - every counted vote came from a registered validator,
//   - signatory power genuinely meets the quorum rule, and
//   - every signatory's counted vote approves the decided proposal.
//
// All violations found are aggregated into one error rather than
// reported first-only, so a corrupted state surfaces every symptom at
// once.
//
// The monitor performs full recomputation, including exhaustive quorum
// subset enumeration for small validator sets. It is built for tests,
// fuzz targets and periodic audits of long-lived instances, not for
// per-submission use.
package safety
