package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/execution"
	"github.com/uhyunpark/shardnode/pkg/p2p"
	"github.com/uhyunpark/shardnode/pkg/util"
)

// Pipeline commits signed proposals and fans out their side effects.
// Commits are serialized; side effects run in the background and can be
// awaited with Wait.
type Pipeline struct {
	Safety   *Safety
	Chain    LocalChain
	Accounts AccountState
	Exec     *execution.Executor
	Pool     TxPool
	Net      Broadcaster
	Index    NetworkIndex
	Shards   Sharder
	Stats    *Statistics
	WAL      WAL
	// Writer is held while a block executes and persists. Every component
	// that moves the tip must share it.
	Writer sync.Locker
	Logger *zap.SugaredLogger

	mu    sync.Mutex
	wg    sync.WaitGroup
	hooks []func(*chain.Block)
}

// OnCommit registers fn to run after every committed block.
func (p *Pipeline) OnCommit(fn func(*chain.Block)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// Commit runs one proposal through the pipeline. A discarded proposal is not
// retried; the next round starts fresh.
func (p *Pipeline) Commit(ctx context.Context, prop *Proposal) Outcome {
	if prop == nil || prop.Block == nil {
		panic("consensus: commit of nil proposal")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	log := util.OrNop(p.Logger)
	b := prop.Block

	if err := p.Safety.CheckFresh(b); err != nil {
		p.Stats.recordCommit("stale")
		log.Warnw("commit_rejected", "stage", "round", "nonce", b.Nonce, "err", err)
		return discarded(b, "round", err)
	}
	if err := p.Safety.CheckSigned(b); err != nil {
		p.Stats.recordCommit("bad_signature")
		log.Warnw("commit_rejected", "stage", "signature", "nonce", b.Nonce, "err", err)
		return discarded(b, "signature", err)
	}

	if stage, err := p.persist(b); err != nil {
		if stage == "execute" {
			p.Stats.recordCommit("inconsistent")
			log.Warnw("commit_rejected", "stage", stage, "nonce", b.Nonce, "err", err)
			return discarded(b, stage, err)
		}
		p.Stats.recordCommit("failed")
		log.Errorw("commit_failed", "stage", stage, "nonce", b.Nonce, "err", err)
		return discarded(b, stage, fmt.Errorf("%w: %v", ErrCommitFailed, err))
	}

	hash := b.Hash()
	if p.WAL != nil {
		p.WAL.Append(fmt.Sprintf("commit nonce=%d round=%d txs=%d hash=%s root=%s",
			b.Nonce, b.RoundIndex, len(b.TxHashes), hash.Hex(), b.AppStateHash.Hex()))
	}

	processed := make([]common.Hash, len(prop.Receipts))
	for i, r := range prop.Receipts {
		processed[i] = r.TxHash
	}
	acked := p.Pool.Ack(processed)

	p.Stats.recordCommit("committed")
	log.Infow("block_committed",
		"nonce", b.Nonce, "round", b.RoundIndex, "txs", len(b.TxHashes),
		"acked", acked, "pool", p.Pool.Len(), "hash", hash.TerminalString())

	p.publishBlock(ctx, prop)

	bg := context.WithoutCancel(ctx)
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.fanOut(bg, prop)
	}()
	go func() {
		defer p.wg.Done()
		p.storeReceipts(bg, prop)
	}()

	for _, fn := range p.hooks {
		fn(b)
	}
	return committed(b)
}

// persist executes b and writes it with its state effects in one batch. On
// failure the journal is rolled back and nothing reaches the store.
func (p *Pipeline) persist(b *chain.Block) (string, error) {
	if p.Writer != nil {
		p.Writer.Lock()
		defer p.Writer.Unlock()
	}
	if r := p.Exec.ProcessBlock(b, p.Accounts, p.Chain); !r.OK {
		return "execute", r.Error()
	}
	if err := p.Chain.Commit(b, p.Accounts); err != nil {
		p.Accounts.Rollback()
		return "persist", err
	}
	return "", nil
}

// Wait blocks until every background fan-out has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

// publishBlock makes the block retrievable from the network and announces
// its height. Failures are logged: nodes catching up will retry the fetch.
func (p *Pipeline) publishBlock(ctx context.Context, prop *Proposal) {
	log := util.OrNop(p.Logger)
	b := prop.Block
	if p.Index != nil {
		steps := []struct {
			name string
			fn   func() error
		}{
			{"transactions", func() error { return p.Index.PutTransactions(ctx, prop.Transactions) }},
			{"block", func() error { return p.Index.PutBlock(ctx, b) }},
			{"height", func() error { return p.Index.SetBlockHashAtHeight(ctx, b.Nonce, b.Hash()) }},
			{"max_height", func() error { return p.Index.SetMaxHeight(ctx, int64(b.Nonce)) }},
		}
		for _, s := range steps {
			if err := s.fn(); err != nil {
				log.Warnw("network_publish_failed", "what", s.name, "nonce", b.Nonce, "err", err)
				break
			}
		}
	}
	if p.Net == nil {
		return
	}
	payload, err := chain.Encode(b)
	if err != nil {
		log.Warnw("block_encode_failed", "nonce", b.Nonce, "err", err)
		return
	}
	if err := p.Net.Publish(ctx, p2p.ChannelBlock, payload, b.Shard); err != nil {
		log.Warnw("block_broadcast_failed", "nonce", b.Nonce, "err", err)
	}
}

// fanOut sends accepted transactions to the shards of their receivers, one
// batch per shard. A failing shard does not hold back the others.
func (p *Pipeline) fanOut(ctx context.Context, prop *Proposal) {
	if p.Net == nil || p.Shards == nil {
		return
	}
	log := util.OrNop(p.Logger)
	self := p.Shards.CurrentShard()
	hash := prop.Block.Hash()

	parts := make(map[uint32][]*chain.Transaction)
	for _, tx := range prop.Transactions {
		if s := p.Shards.ShardOf(tx.Receiver); s != self {
			parts[s] = append(parts[s], tx)
		}
	}
	shards := make([]uint32, 0, len(parts))
	for s := range parts {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	var g errgroup.Group
	for _, shard := range shards {
		batch := &TxBatch{BlockHash: hash, Items: parts[shard]}
		g.Go(func() error {
			payload, err := chain.Encode(batch)
			if err == nil {
				err = p.Net.Publish(ctx, p2p.ChannelXTransactionBlock, payload, shard)
			}
			if err != nil {
				log.Warnw("xshard_publish_failed", "shard", shard, "txs", len(batch.Items), "err", err)
				return fmt.Errorf("shard %d: %w", shard, err)
			}
			log.Debugw("xshard_published", "shard", shard, "txs", len(batch.Items))
			return nil
		})
	}
	_ = g.Wait()
}

// storeReceipts persists every receipt before the batch is advertised.
func (p *Pipeline) storeReceipts(ctx context.Context, prop *Proposal) {
	log := util.OrNop(p.Logger)
	b := prop.Block
	for _, r := range prop.Receipts {
		if _, err := p.Chain.PutReceipt(r); err != nil {
			log.Warnw("receipt_store_failed", "nonce", b.Nonce, "tx", r.TxHash.TerminalString(), "err", err)
			return
		}
	}
	if p.Net == nil || len(prop.Receipts) == 0 {
		return
	}
	payload, err := chain.Encode(&ReceiptBatch{BlockHash: b.Hash(), Items: prop.Receipts})
	if err != nil {
		log.Warnw("receipt_encode_failed", "nonce", b.Nonce, "err", err)
		return
	}
	if err := p.Net.Publish(ctx, p2p.ChannelReceiptBlock, payload, b.Shard); err != nil {
		log.Warnw("receipt_broadcast_failed", "nonce", b.Nonce, "err", err)
	}
}
