package consensus

import "github.com/uhyunpark/shardnode/pkg/chain"

// Batches published after a commit.
type (
	TxBatch      = chain.TransferBlock[*chain.Transaction]
	ReceiptBatch = chain.TransferBlock[*chain.Receipt]
)
