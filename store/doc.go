// Package store is the permanent decision archive.
//
// Decisions are the one output of consensus that must outlive the
// process: the WAL is an operational recovery log that gets
// checkpointed away, while the archive keeps every decided round
// forever for auditors and late readers. Entries are keyed by
// big-endian round under a class prefix, so iteration order is round
// order and other record classes can share the database.
//
// # Write-Once Semantics
//
// The archive mirrors the engine's in-memory decision map: a round's
// entry is written at most once. Re-archiving the identical outcome
// (as replay does after a restart) is a no-op; attempting to archive a
// different outcome for an archived round fails with ErrAlreadyArchived
// and changes nothing. The archive never updates and never deletes.
//
// # Usage Example
//
//	archive, err := store.Open(log, "data/decisions")
//	if err != nil {
//	    return err
//	}
//	defer archive.Close()
//
//	decisions, cancel := eng.SubscribeDecisions()
//	defer cancel()
//	for d := range decisions {
//	    if err := archive.Archive(d); err != nil {
//	        return err
//	    }
//	}
package store
