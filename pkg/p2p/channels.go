package p2p

import "strconv"

// Channel is a named broadcast channel. Shard-level channels exist once per
// shard; their identifier carries the shard index.
type Channel string

const (
	ChannelBlock             Channel = "block"
	ChannelTransaction       Channel = "transaction"
	ChannelXTransactionBlock Channel = "xtransaction_block"
	ChannelReceiptBlock      Channel = "receipt_block"
	// ChannelObjects replicates the network object store and height index.
	ChannelObjects Channel = "objects"
)

func (c Channel) ShardLevel() bool { return c != ChannelObjects }

// ID is the topic a message for shard travels on.
func (c Channel) ID(shard uint32) string {
	if !c.ShardLevel() {
		return string(c)
	}
	return string(c) + strconv.FormatUint(uint64(shard), 10)
}

// Handler receives one broadcast payload.
type Handler func(from string, payload []byte)
