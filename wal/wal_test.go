package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/blockberries/quorumberry/types"
)

func testVoteRecord(t *testing.T, round uint64, voter string, approve bool) *Record {
	t.Helper()
	proposalID := types.HashBytes([]byte("value"))
	rec, err := NewVoteRecord(types.NewVote(round, types.ValidatorID(voter), proposalID, approve, 1700000000))
	if err != nil {
		t.Fatalf("failed to build vote record: %v", err)
	}
	return rec
}

func testDecisionRecord(t *testing.T, round uint64) *Record {
	t.Helper()
	rec, err := NewDecisionRecord(&types.Decision{
		Round:          round,
		ProposalID:     types.HashBytes([]byte("value")),
		Proposer:       "val0",
		ValueDigest:    types.HashBytes([]byte("value")),
		Signatories:    []types.ValidatorID{"val0", "val1", "val2"},
		ApprovingPower: 3,
		TotalPower:     4,
	})
	if err != nil {
		t.Fatalf("failed to build decision record: %v", err)
	}
	return rec
}

func TestFileWALBasic(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	if err := w.Write(testVoteRecord(t, 1, "val0", true)); err != nil {
		t.Fatalf("failed to write record: %v", err)
	}
	if err := w.Write(testVoteRecord(t, 1, "val1", true)); err != nil {
		t.Fatalf("failed to write record: %v", err)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	walPath := filepath.Join(dir, "wal-00000")
	if _, err := os.Stat(walPath); os.IsNotExist(err) {
		t.Error("WAL segment file should exist")
	}
}

func TestFileWALWriteSync(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	defer w.Stop()

	if err := w.WriteSync(testDecisionRecord(t, 1)); err != nil {
		t.Fatalf("failed to write sync record: %v", err)
	}
}

func TestFileWALReadWrite(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	records := []*Record{
		testVoteRecord(t, 1, "val0", true),
		testVoteRecord(t, 1, "val1", true),
		testDecisionRecord(t, 1),
		testVoteRecord(t, 2, "val0", false),
	}

	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			t.Fatalf("failed to write record: %v", err)
		}
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	reader, err := OpenForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL for reading: %v", err)
	}
	defer reader.Close()

	readRecords := make([]*Record, 0)
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read record: %v", err)
		}
		readRecords = append(readRecords, rec)
	}

	if len(readRecords) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(readRecords))
	}

	for i, rec := range records {
		if readRecords[i].Type != rec.Type {
			t.Errorf("record %d: expected type %v, got %v", i, rec.Type, readRecords[i].Type)
		}
		if readRecords[i].Round != rec.Round {
			t.Errorf("record %d: expected round %d, got %d", i, rec.Round, readRecords[i].Round)
		}
	}

	vote, err := DecodeVote(readRecords[0].Data)
	if err != nil {
		t.Fatalf("failed to decode vote payload: %v", err)
	}
	if vote.Voter != "val0" || !vote.Approve {
		t.Errorf("decoded vote mismatch: %+v", vote)
	}

	decision, err := DecodeDecision(readRecords[2].Data)
	if err != nil {
		t.Fatalf("failed to decode decision payload: %v", err)
	}
	if decision.Round != 1 || len(decision.Signatories) != 3 {
		t.Errorf("decoded decision mismatch: %+v", decision)
	}
}

func TestFileWALSearchForDecision(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	w.Write(testVoteRecord(t, 1, "val0", true))
	w.Write(testVoteRecord(t, 1, "val1", true))
	w.Write(testDecisionRecord(t, 1))

	w.Write(testVoteRecord(t, 2, "val0", true))
	w.Write(testVoteRecord(t, 2, "val1", true))
	w.Write(testDecisionRecord(t, 2))

	reader, found, err := w.SearchForDecision(1)
	if err != nil {
		t.Fatalf("failed to search for decision: %v", err)
	}
	if !found {
		t.Error("expected to find decision for round 1")
	}
	if reader != nil {
		// the next record should belong to round 2
		rec, err := reader.Read()
		if err != nil {
			t.Fatalf("failed to read after decision: %v", err)
		}
		if rec.Round != 2 {
			t.Errorf("expected round 2 record after decision 1, got round %d", rec.Round)
		}
		reader.Close()
	}

	reader, found, err = w.SearchForDecision(2)
	if err != nil {
		t.Fatalf("failed to search for decision: %v", err)
	}
	if !found {
		t.Error("expected to find decision for round 2")
	}
	if reader != nil {
		reader.Close()
	}

	reader, found, err = w.SearchForDecision(99)
	if err != nil {
		t.Fatalf("failed to search for decision: %v", err)
	}
	if found {
		t.Error("should not find decision for round 99")
	}
	if reader != nil {
		reader.Close()
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}
}

func TestFileWALWriteBeforeStart(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	err = w.Write(testVoteRecord(t, 1, "val0", true))
	if err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestFileWALDoubleStart(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Errorf("double start should be a no-op, got: %v", err)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}
}

func TestFileWALDoubleStop(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("double stop should be a no-op, got: %v", err)
	}
}

func TestOpenWALNotFound(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenForReading(dir)
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileWALRotation(t *testing.T) {
	dir := t.TempDir()

	// tiny segments to force rotation
	w, err := NewFileWALWithOptions(dir, 64)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	for round := uint64(1); round <= 10; round++ {
		if err := w.Write(testVoteRecord(t, round, "val0", true)); err != nil {
			t.Fatalf("failed to write record: %v", err)
		}
	}

	if w.SegmentCount() < 2 {
		t.Errorf("expected rotation to create multiple segments, got %d", w.SegmentCount())
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	// all records must survive rotation
	reader, err := OpenForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL for reading: %v", err)
	}
	defer reader.Close()

	count := 0
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read record: %v", err)
		}
		count++
	}
	if count != 10 {
		t.Errorf("expected 10 records after rotation, got %d", count)
	}
}

func TestFileWALCheckpoint(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWALWithOptions(dir, 64)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	for round := uint64(1); round <= 10; round++ {
		if err := w.Write(testVoteRecord(t, round, "val0", true)); err != nil {
			t.Fatalf("failed to write record: %v", err)
		}
		if err := w.WriteSync(testDecisionRecord(t, round)); err != nil {
			t.Fatalf("failed to write decision: %v", err)
		}
	}

	before := w.SegmentCount()
	if before < 2 {
		t.Fatalf("expected multiple segments before checkpoint, got %d", before)
	}

	if err := w.Checkpoint(5); err != nil {
		t.Fatalf("failed to checkpoint: %v", err)
	}

	if after := w.SegmentCount(); after >= before {
		t.Errorf("expected checkpoint to remove segments: before=%d after=%d", before, after)
	}

	// rounds above the checkpoint must still be readable
	reader, found, err := w.SearchForDecision(10)
	if err != nil {
		t.Fatalf("failed to search for decision: %v", err)
	}
	if !found {
		t.Error("expected decision for round 10 to survive checkpoint")
	}
	if reader != nil {
		reader.Close()
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}
}

func TestFileWALRestartRebuildsIndex(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	w.Write(testVoteRecord(t, 1, "val0", true))
	w.WriteSync(testDecisionRecord(t, 1))
	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	// a fresh instance over the same directory must find the decision
	w2, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to reopen WAL: %v", err)
	}
	if err := w2.Start(); err != nil {
		t.Fatalf("failed to restart WAL: %v", err)
	}
	defer w2.Stop()

	_, found, err := w2.SearchForDecision(1)
	if err != nil {
		t.Fatalf("failed to search after restart: %v", err)
	}
	if !found {
		t.Error("expected rebuilt index to find decision for round 1")
	}
}

func TestFileWALTornTail(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	w.Write(testVoteRecord(t, 1, "val0", true))
	w.Write(testVoteRecord(t, 1, "val1", true))
	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	// chop bytes off the tail to simulate a crash mid-write
	path := filepath.Join(dir, "wal-00000")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat segment: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("failed to truncate segment: %v", err)
	}

	reader, err := OpenForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL for reading: %v", err)
	}
	defer reader.Close()

	// first record intact
	if _, err := reader.Read(); err != nil {
		t.Fatalf("failed to read intact record: %v", err)
	}
	// second record torn
	if _, err := reader.Read(); err == nil || err == io.EOF {
		t.Errorf("expected decode error on torn tail, got %v", err)
	}
}

func TestRecordTypes(t *testing.T) {
	recTypes := []RecordType{
		RecordTypeProposal,
		RecordTypeVote,
		RecordTypeDecision,
	}

	dir := t.TempDir()
	w, _ := NewFileWAL(dir)
	w.Start()
	defer w.Stop()

	for _, recType := range recTypes {
		rec := &Record{
			Type:  recType,
			Round: 1,
			Data:  []byte("payload"),
		}
		if err := w.Write(rec); err != nil {
			t.Errorf("failed to write record type %v: %v", recType, err)
		}
	}
}
