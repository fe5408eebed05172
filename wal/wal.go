package wal

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/blockberries/quorumberry/types"
)

// Errors
var (
	ErrClosed       = errors.New("WAL is closed")
	ErrCorrupted    = errors.New("WAL is corrupted")
	ErrNotFound     = errors.New("WAL not found")
	ErrInvalidRound = errors.New("invalid round in WAL")
)

// RecordType identifies the type of a WAL record.
type RecordType uint8

const (
	RecordTypeUnknown  RecordType = 0
	RecordTypeProposal RecordType = 1
	RecordTypeVote     RecordType = 2
	RecordTypeDecision RecordType = 3
)

// String returns the record type name.
func (t RecordType) String() string {
	switch t {
	case RecordTypeProposal:
		return "proposal"
	case RecordTypeVote:
		return "vote"
	case RecordTypeDecision:
		return "decision"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Record is one entry of the decision log. Submissions are logged
// before they are applied; decisions are logged after a round
// finalizes. Data holds the canonical encoding of the payload.
type Record struct {
	Type  RecordType `cbor:"1,keyasint"`
	Round uint64     `cbor:"2,keyasint"`
	Time  int64      `cbor:"3,keyasint,omitempty"`
	Data  []byte     `cbor:"4,keyasint"`
}

// Marshal serializes the record canonically.
func (r *Record) Marshal() ([]byte, error) {
	return types.MarshalCanonical(r)
}

// Unmarshal deserializes the record.
func (r *Record) Unmarshal(data []byte) error {
	return types.UnmarshalCanonical(data, r)
}

// WAL is the write-ahead decision log. Every submission is logged
// before it reaches the decision core, so replaying the log through the
// core reproduces the exact same counted votes and decisions.
type WAL interface {
	// Write appends a record (buffered).
	Write(rec *Record) error

	// WriteSync appends a record and syncs it to disk before returning.
	WriteSync(rec *Record) error

	// FlushAndSync flushes and syncs all pending writes.
	FlushAndSync() error

	// SearchForDecision returns a Reader positioned after the decision
	// record of the given round, or false if that round has no logged
	// decision.
	SearchForDecision(round uint64) (Reader, bool, error)

	// Start opens the log for appending.
	Start() error

	// Stop flushes, syncs and closes the log.
	Stop() error

	// Group describes the segment files backing the log.
	Group() *Group
}

// Reader reads records from the log in append order.
type Reader interface {
	// Read returns the next record, or io.EOF at the end of the log.
	Read() (*Record, error)

	// Close closes the reader.
	Close() error
}

// Group describes a set of rotated segment files.
type Group struct {
	Dir      string
	Prefix   string
	MaxSize  int64
	MinIndex int
	MaxIndex int
}

// NewProposalRecord wraps a proposal for the log.
func NewProposalRecord(p *types.Proposal) (*Record, error) {
	data, err := types.MarshalCanonical(p)
	if err != nil {
		return nil, err
	}
	return &Record{
		Type:  RecordTypeProposal,
		Round: p.Round,
		Time:  time.Now().UnixNano(),
		Data:  data,
	}, nil
}

// NewVoteRecord wraps a vote for the log.
func NewVoteRecord(v *types.Vote) (*Record, error) {
	data, err := types.MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	return &Record{
		Type:  RecordTypeVote,
		Round: v.Round,
		Time:  time.Now().UnixNano(),
		Data:  data,
	}, nil
}

// NewDecisionRecord wraps a decision for the log.
func NewDecisionRecord(d *types.Decision) (*Record, error) {
	data, err := types.MarshalCanonical(d)
	if err != nil {
		return nil, err
	}
	return &Record{
		Type:  RecordTypeDecision,
		Round: d.Round,
		Time:  time.Now().UnixNano(),
		Data:  data,
	}, nil
}

// DecodeProposal decodes a proposal from record data.
func DecodeProposal(data []byte) (*types.Proposal, error) {
	p := &types.Proposal{}
	if err := types.UnmarshalCanonical(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeVote decodes a vote from record data.
func DecodeVote(data []byte) (*types.Vote, error) {
	v := &types.Vote{}
	if err := types.UnmarshalCanonical(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeDecision decodes a decision from record data.
func DecodeDecision(data []byte) (*types.Decision, error) {
	d := &types.Decision{}
	if err := types.UnmarshalCanonical(data, d); err != nil {
		return nil, err
	}
	return d, nil
}

// NopWAL discards everything. Used in tests and when persistence is
// disabled.
type NopWAL struct{}

func (w *NopWAL) Write(rec *Record) error                              { return nil }
func (w *NopWAL) WriteSync(rec *Record) error                          { return nil }
func (w *NopWAL) FlushAndSync() error                                  { return nil }
func (w *NopWAL) SearchForDecision(round uint64) (Reader, bool, error) { return nil, false, nil }
func (w *NopWAL) Start() error                                         { return nil }
func (w *NopWAL) Stop() error                                          { return nil }
func (w *NopWAL) Group() *Group                                        { return nil }

var _ WAL = (*NopWAL)(nil)

// NopReader yields no records.
type NopReader struct{}

func (r *NopReader) Read() (*Record, error) { return nil, io.EOF }
func (r *NopReader) Close() error           { return nil }

var _ Reader = (*NopReader)(nil)
