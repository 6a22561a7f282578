package consensus

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/shardnode/pkg/chain"
)

var (
	ErrStaleRound   = errors.New("block round has passed")
	ErrCommitFailed = errors.New("commit failed")
)

// Outcome is the result of pushing one block through the commit pipeline.
// Stage names the step that decided it.
type Outcome struct {
	Committed bool
	Block     *chain.Block
	Stage     string
	Err       error
}

func committed(b *chain.Block) Outcome {
	return Outcome{Committed: true, Block: b, Stage: "commit"}
}

func discarded(b *chain.Block, stage string, err error) Outcome {
	return Outcome{Block: b, Stage: stage, Err: err}
}

func (o Outcome) Error() error {
	if o.Committed || o.Err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", o.Stage, o.Err)
}
