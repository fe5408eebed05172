package engine

import "errors"

// Consensus errors
var (
	ErrNotRegistered      = errors.New("validator not registered")
	ErrUnknownProposal    = errors.New("unknown proposal")
	ErrRoundClosed        = errors.New("round already decided")
	ErrRoundHalted        = errors.New("round halted by invariant violation")
	ErrInvariantViolation = errors.New("consensus invariant violation")
	ErrInvalidProposal    = errors.New("invalid proposal")
	ErrInvalidVote        = errors.New("invalid vote")
	ErrUnsealedSet        = errors.New("validator set not sealed")
	ErrWALWrite           = errors.New("record log write failed")
	ErrWALReplay          = errors.New("record log replay failed")
	ErrAlreadyStarted     = errors.New("engine already started")
	ErrNotStarted         = errors.New("engine not started")
	ErrInvalidConfig      = errors.New("invalid config")
	ErrInvalidMessage     = errors.New("invalid consensus message")
	ErrUnknownMessageType = errors.New("unknown consensus message type")
	ErrInboxFull          = errors.New("inbox full, message dropped")
)
