// Package wal implements the write-ahead decision log.
//
// Every submission is logged before it reaches the decision core, and
// every decision is logged (synced) after its round finalizes. Because
// the core is deterministic, replaying the log through a fresh core
// reproduces the exact counted votes, duplicate flags and decisions of
// the original run.
//
// # Core Interface
//
// WAL defines the interface for appending records:
//
//	type WAL interface {
//	    Write(rec *Record) error
//	    WriteSync(rec *Record) error
//	    FlushAndSync() error
//	    SearchForDecision(round uint64) (Reader, bool, error)
//	    Start() error
//	    Stop() error
//	    Group() *Group
//	}
//
// # Record Types
//
//	- RecordTypeProposal: a proposal submission, logged before apply
//	- RecordTypeVote:     a vote submission, logged before apply
//	- RecordTypeDecision: a finalized decision, logged with WriteSync
//
// # File Format
//
// Each record is framed as:
//
//	[4 bytes: length][N bytes: canonical CBOR record][4 bytes: CRC32]
//
// The length prefix enables fast scanning; the CRC32 detects torn
// writes and disk corruption. A corrupt frame ends the readable log;
// everything before it replays normally.
//
// # Rotation and Cleanup
//
// Records append to segment files named wal-00000, wal-00001, and so
// on; a segment rotates when it exceeds the configured size.
// Checkpoint deletes leading segments whose rounds are all at or below
// an archived round.
//
// # Recovery Process
//
// On startup:
//  1. Open the log with OpenForReading
//  2. Replay each record's payload through a fresh core
//  3. Compare recomputed decisions against the logged ones
//
// # Thread Safety
//
// FileWAL serializes appends internally. Only one FileWAL instance may
// write to a directory.
//
// # Performance Considerations
//
// Write is buffered for throughput; WriteSync forces an fsync and is
// reserved for decision records, where durability is part of the
// safety argument.
package wal
