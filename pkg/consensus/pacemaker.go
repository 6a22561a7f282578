package consensus

import (
	"context"
	"time"

	"github.com/uhyunpark/shardnode/pkg/chronology"
)

// Pacemaker paces the engine on phase boundaries of the round clock.
type Pacemaker struct {
	Chrono      *chronology.Service
	GenesisTime int64
	// MinWait keeps the loop from spinning when a boundary is due now.
	MinWait time.Duration
}

func NewPacemaker(chrono *chronology.Service, genesisTime int64) *Pacemaker {
	return &Pacemaker{Chrono: chrono, GenesisTime: genesisTime, MinWait: time.Millisecond}
}

// Current returns the subround at the synchronized now.
func (p *Pacemaker) Current() chronology.SubRound {
	return p.Chrono.SubRoundAt(p.GenesisTime, p.Chrono.SynchronizedTime())
}

// WaitForNextPhase blocks until the next phase boundary or ctx ends.
func (p *Pacemaker) WaitForNextPhase(ctx context.Context) error {
	d := p.Chrono.UntilNextPhase(p.GenesisTime, p.Chrono.SynchronizedTime())
	if d < p.MinWait {
		d = p.MinWait
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.Chrono.Clock().After(d):
		return nil
	}
}
