package chronology

import (
	"fmt"
	"time"

	"github.com/uhyunpark/shardnode/pkg/util"
)

// RoundState is a phase inside one round. Phases run in declaration order.
type RoundState int

const (
	StartRound RoundState = iota
	ProposeBlock
	EndRound
)

func (s RoundState) String() string {
	switch s {
	case StartRound:
		return "START_ROUND"
	case ProposeBlock:
		return "PROPOSE_BLOCK"
	case EndRound:
		return "END_ROUND"
	default:
		return fmt.Sprintf("RoundState(%d)", int(s))
	}
}

// Round is a fixed-length time slot. Timestamps are unix milliseconds.
type Round struct {
	Index          uint64
	StartTimestamp int64
}

type SubRound struct {
	Round     Round
	State     RoundState
	Timestamp int64
}

// Service maps synchronized time onto rounds and phases.
type Service struct {
	clock         util.Clock
	roundDuration int64
	startRound    int64
	proposeBlock  int64
}

func NewService(clock util.Clock, roundDuration, startRound, proposeBlock time.Duration) *Service {
	if roundDuration <= 0 {
		panic("chronology: round duration must be positive")
	}
	return &Service{
		clock:         clock,
		roundDuration: roundDuration.Milliseconds(),
		startRound:    startRound.Milliseconds(),
		proposeBlock:  proposeBlock.Milliseconds(),
	}
}

func (s *Service) Clock() util.Clock { return s.clock }

func (s *Service) RoundDuration() time.Duration {
	return time.Duration(s.roundDuration) * time.Millisecond
}

// SynchronizedTime returns the node's view of network time in unix ms.
func (s *Service) SynchronizedTime() int64 {
	return s.clock.Now().UnixMilli()
}

// RoundFromTimestamp returns the round containing now. Instants before genesis
// belong to round 0.
func (s *Service) RoundFromTimestamp(genesis, now int64) Round {
	if now < genesis {
		return Round{Index: 0, StartTimestamp: genesis}
	}
	idx := (now - genesis) / s.roundDuration
	return Round{Index: uint64(idx), StartTimestamp: genesis + idx*s.roundDuration}
}

// StateAt returns the phase of round r at instant now.
func (s *Service) StateAt(r Round, now int64) RoundState {
	elapsed := now - r.StartTimestamp
	switch {
	case elapsed < s.startRound:
		return StartRound
	case elapsed < s.startRound+s.proposeBlock:
		return ProposeBlock
	default:
		return EndRound
	}
}

func (s *Service) SubRoundAt(genesis, now int64) SubRound {
	r := s.RoundFromTimestamp(genesis, now)
	return SubRound{Round: r, State: s.StateAt(r, now), Timestamp: now}
}

// IsStillInPhase reports whether round roundIndex has not yet moved past phase.
func (s *Service) IsStillInPhase(genesis int64, roundIndex uint64, phase RoundState) bool {
	now := s.SynchronizedTime()
	cur := s.RoundFromTimestamp(genesis, now)
	switch {
	case cur.Index < roundIndex:
		return true
	case cur.Index > roundIndex:
		return false
	}
	return s.StateAt(cur, now) <= phase
}

// UntilNextPhase returns how long until the phase after the one at now begins.
func (s *Service) UntilNextPhase(genesis, now int64) time.Duration {
	if now < genesis {
		return time.Duration(genesis-now) * time.Millisecond
	}
	r := s.RoundFromTimestamp(genesis, now)
	elapsed := now - r.StartTimestamp
	var next int64
	switch s.StateAt(r, now) {
	case StartRound:
		next = s.startRound
	case ProposeBlock:
		next = s.startRound + s.proposeBlock
	default:
		next = s.roundDuration
	}
	return time.Duration(next-elapsed) * time.Millisecond
}
