package consensus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/chronology"
	"github.com/uhyunpark/shardnode/pkg/execution"
	"github.com/uhyunpark/shardnode/pkg/p2p"
	"github.com/uhyunpark/shardnode/pkg/util"
)

// Proposal is a signed candidate block with what composing it produced.
type Proposal struct {
	Block *chain.Block
	// Transactions are the accepted ones, in block order.
	Transactions []*chain.Transaction
	// Receipts hold one entry per processed transaction, accepted or not.
	Receipts []*chain.Receipt
}

type Assembler struct {
	State    *ConsensusState
	Chain    LocalChain
	Accounts StateView
	Exec     *execution.Executor
	Chrono   *chronology.Service
	Net      Broadcaster
	Roster   *Roster
	Signer   ShareCollector
	Stats    *Statistics

	// GenesisTime is the start of round 0 in unix ms.
	GenesisTime int64
	MaxTxs      int

	Logger *zap.SugaredLogger
}

// Assemble builds and signs this round's block. It returns nil without error
// when the node has nothing to propose: not the leader, no chain yet, or an
// empty pool. An error aborts the proposal for this round only.
//
// Transactions run against a sandbox of the account state, so composition
// never touches the journal a concurrent commit is writing.
func (a *Assembler) Assemble(ctx context.Context) (*Proposal, error) {
	if a.State == nil || a.Accounts == nil || a.Chain == nil {
		panic("consensus: assembler without state")
	}
	log := util.OrNop(a.Logger)

	if a.State.SelectedLeader() != a.State.SelfID() {
		return nil, nil
	}
	tip := a.Chain.Tip()
	if tip == nil {
		return nil, nil
	}

	now := a.Chrono.SynchronizedTime()
	round := a.Chrono.RoundFromTimestamp(a.GenesisTime, now)

	hashes := a.State.Pool().Snapshot(a.MaxTxs)
	if len(hashes) == 0 {
		a.Stats.AddRound(0, elapsedSince(round.StartTimestamp, now))
		return nil, nil
	}

	b := &chain.Block{
		Nonce:         tip.Nonce + 1,
		PrevBlockHash: tip.Hash(),
		Shard:         tip.Shard,
		RoundIndex:    round.Index,
		Timestamp:     uint64(round.StartTimestamp),
	}

	scratch := a.Accounts.Sandbox()
	p := &Proposal{Block: b}
	var settled []common.Hash
	for _, h := range hashes {
		if !a.Chrono.IsStillInPhase(a.GenesisTime, round.Index, chronology.ProposeBlock) {
			log.Debugw("propose_deadline", "round", round.Index, "accepted", len(b.TxHashes), "pending", len(hashes))
			break
		}
		if r, ok, err := a.Chain.ReceiptForTransaction(h); err != nil {
			return nil, fmt.Errorf("load receipt of %s: %w", h.TerminalString(), err)
		} else if ok && r.Status == chain.ReceiptAccepted {
			// Committed by a block this node learned through sync.
			settled = append(settled, h)
			continue
		}
		tx, ok, err := a.Chain.GetTransaction(h)
		if err != nil {
			return nil, fmt.Errorf("load transaction %s: %w", h.TerminalString(), err)
		}
		if !ok {
			p.Receipts = append(p.Receipts, rejected(h, "transaction not found"))
			continue
		}
		if r := a.Exec.ProcessTransaction(scratch, tx); !r.OK {
			p.Receipts = append(p.Receipts, rejected(h, r.Error().Error()))
			continue
		}
		p.Receipts = append(p.Receipts, &chain.Receipt{TxHash: h, Status: chain.ReceiptAccepted, Log: "transaction executed"})
		b.TxHashes = append(b.TxHashes, h)
		p.Transactions = append(p.Transactions, tx)
	}

	if len(settled) > 0 {
		n := a.State.Pool().Ack(settled)
		log.Debugw("pool_settled_dropped", "round", round.Index, "count", n)
	}
	if len(p.Receipts) == 0 {
		a.Stats.AddRound(0, elapsedSince(round.StartTimestamp, a.Chrono.SynchronizedTime()))
		return nil, nil
	}

	root, err := scratch.RootHash()
	if err != nil {
		return nil, fmt.Errorf("state root: %w", err)
	}
	b.AppStateHash = root

	b.Peers = a.peerList(tip)

	if err := SignBlock(ctx, b, a.Roster, a.Signer); err != nil {
		return nil, fmt.Errorf("sign block %d: %w", b.Nonce, err)
	}
	hash := b.Hash()
	for _, r := range p.Receipts {
		r.BlockHash = hash
	}

	a.Stats.AddRound(len(b.TxHashes), elapsedSince(round.StartTimestamp, a.Chrono.SynchronizedTime()))
	log.Infow("block_proposed",
		"nonce", b.Nonce, "round", b.RoundIndex,
		"txs", len(b.TxHashes), "receipts", len(p.Receipts),
		"hash", hash.TerminalString())
	return p, nil
}

// peerList is the union of the block channel's peers, the previous block's
// peers and this node, sorted.
func (a *Assembler) peerList(tip *chain.Block) []string {
	set := map[string]struct{}{a.State.SelfID(): {}}
	if a.Net != nil {
		for _, id := range a.Net.PeersOnChannel(p2p.ChannelBlock, tip.Shard) {
			set[id] = struct{}{}
		}
	}
	for _, id := range tip.Peers {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func rejected(h common.Hash, msg string) *chain.Receipt {
	return &chain.Receipt{TxHash: h, Status: chain.ReceiptRejected, Log: msg}
}

func elapsedSince(startMs, nowMs int64) time.Duration {
	if nowMs <= startMs {
		return 0
	}
	return time.Duration(nowMs-startMs) * time.Millisecond
}
