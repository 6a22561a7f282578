package consensus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/p2p"
	"github.com/uhyunpark/shardnode/pkg/util"
)

var ErrWrongShard = errors.New("transaction belongs to another shard")

// TxIngress admits transactions into the local pool and stores what other
// nodes of the network hand to this shard.
type TxIngress struct {
	Chain  LocalChain
	Pool   TxPool
	Shards Sharder
	Net    Broadcaster
	Logger *zap.SugaredLogger
}

// Submit admits a transaction created on this node and gossips it to the
// other nodes of its shard.
func (in *TxIngress) Submit(ctx context.Context, tx *chain.Transaction) error {
	if err := in.admit(tx); err != nil {
		return err
	}
	if in.Net == nil {
		return nil
	}
	payload, err := chain.Encode(tx)
	if err != nil {
		return err
	}
	return in.Net.Publish(ctx, p2p.ChannelTransaction, payload, in.Shards.CurrentShard())
}

func (in *TxIngress) admit(tx *chain.Transaction) error {
	if err := tx.Verify(); err != nil {
		return err
	}
	if s := in.Shards.ShardOf(tx.Sender); s != in.Shards.CurrentShard() {
		return fmt.Errorf("%w: sender shard %d", ErrWrongShard, s)
	}
	h, err := in.Chain.PutTransaction(tx)
	if err != nil {
		return err
	}
	return in.Pool.Add(h)
}

// HandleTransaction serves the transaction channel.
func (in *TxIngress) HandleTransaction(from string, payload []byte) {
	log := util.OrNop(in.Logger)
	var tx chain.Transaction
	if err := chain.Decode(payload, &tx); err != nil {
		log.Debugw("bad_transaction", "from", from, "err", err)
		return
	}
	if err := in.admit(&tx); err != nil {
		log.Debugw("transaction_dropped", "from", from, "tx", tx.Hash().TerminalString(), "err", err)
	}
}

// HandleXTransactionBlock stores the transactions another shard routed here.
func (in *TxIngress) HandleXTransactionBlock(from string, payload []byte) {
	log := util.OrNop(in.Logger)
	var batch TxBatch
	if err := chain.Decode(payload, &batch); err != nil {
		log.Debugw("bad_xtransaction_block", "from", from, "err", err)
		return
	}
	stored := 0
	for _, tx := range batch.Items {
		if in.Shards.ShardOf(tx.Receiver) != in.Shards.CurrentShard() {
			continue
		}
		if _, err := in.Chain.PutTransaction(tx); err != nil {
			log.Warnw("xtransaction_store_failed", "tx", tx.Hash().TerminalString(), "err", err)
			return
		}
		stored++
	}
	log.Debugw("xtransaction_block_received", "from", from, "block", batch.BlockHash.TerminalString(), "stored", stored)
}

// HandleReceiptBlock stores receipts committed by the shard's leader.
func (in *TxIngress) HandleReceiptBlock(from string, payload []byte) {
	log := util.OrNop(in.Logger)
	var batch ReceiptBatch
	if err := chain.Decode(payload, &batch); err != nil {
		log.Debugw("bad_receipt_block", "from", from, "err", err)
		return
	}
	for _, r := range batch.Items {
		if _, err := in.Chain.PutReceipt(r); err != nil {
			log.Warnw("receipt_store_failed", "tx", r.TxHash.TerminalString(), "err", err)
			return
		}
	}
}

// Attach subscribes the handlers on the channels of this node's shard.
func (in *TxIngress) Attach(ctx context.Context, sub Subscriber) error {
	shard := in.Shards.CurrentShard()
	for ch, h := range map[p2p.Channel]p2p.Handler{
		p2p.ChannelTransaction:       in.HandleTransaction,
		p2p.ChannelXTransactionBlock: in.HandleXTransactionBlock,
		p2p.ChannelReceiptBlock:      in.HandleReceiptBlock,
	} {
		if err := sub.Subscribe(ctx, ch, shard, h); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	return nil
}
