package consensus

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/shardnode/pkg/chronology"
	"github.com/uhyunpark/shardnode/pkg/util"
)

// Engine drives one proposal attempt per round: when a round enters its
// propose phase and the chain is synchronized, the round's leader assembles
// a block and commits it.
type Engine struct {
	State     *ConsensusState
	PM        *Pacemaker
	Assembler *Assembler
	Pipeline  *Pipeline
	Sync      Synchronizer

	Logger         *zap.SugaredLogger
	VerboseLogging bool

	handled   bool
	lastRound uint64
}

func NewEngine(state *ConsensusState, pm *Pacemaker, asm *Assembler, pipe *Pipeline, sync Synchronizer) *Engine {
	return &Engine{State: state, PM: pm, Assembler: asm, Pipeline: pipe, Sync: sync}
}

// Run loops until ctx is cancelled. Background fan-out is drained on exit.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Pipeline.Wait()
	for {
		e.OnSubRound(ctx, e.PM.Current())
		if err := e.PM.WaitForNextPhase(ctx); err != nil {
			return err
		}
	}
}

// OnSubRound acts on sr. Only the first propose phase seen for a round does
// anything; it reports whether a block was committed.
func (e *Engine) OnSubRound(ctx context.Context, sr chronology.SubRound) (Outcome, bool) {
	log := util.OrNop(e.Logger)
	if sr.State != chronology.ProposeBlock {
		return Outcome{}, false
	}
	if e.handled && sr.Round.Index <= e.lastRound {
		return Outcome{}, false
	}
	e.handled, e.lastRound = true, sr.Round.Index

	leader := e.State.EnterRound(sr.Round.Index)
	if e.VerboseLogging {
		log.Debugw("enter_round", "round", sr.Round.Index, "leader", leader, "is_leader", leader == e.State.SelfID())
	}
	if e.Sync != nil && !e.Sync.Synchronized() {
		if leader == e.State.SelfID() {
			log.Infow("propose_skipped", "round", sr.Round.Index, "reason", "not synchronized")
		}
		return Outcome{}, false
	}

	prop, err := e.Assembler.Assemble(ctx)
	if err != nil {
		log.Warnw("propose_aborted", "round", sr.Round.Index, "err", err)
		return Outcome{}, false
	}
	if prop == nil {
		return Outcome{}, false
	}
	out := e.Pipeline.Commit(ctx, prop)
	return out, true
}
