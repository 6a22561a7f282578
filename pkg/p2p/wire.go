package p2p

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/uhyunpark/shardnode/pkg/storage"
)

// Envelope frames every gossip message.
type Envelope struct {
	Channel string
	From    string
	Payload []byte
}

const (
	putObject uint8 = iota + 1
	putMaxHeight
)

// ObjectPut replicates one raw object of the network store, or announces the
// network's max height.
type ObjectPut struct {
	Kind   uint8
	Unit   uint8
	Key    []byte
	Value  []byte
	Height int64
}

// ObjectRequest and ObjectResponse travel on the unicast object stream.
type ObjectRequest struct {
	Unit uint8
	Key  []byte
}

type ObjectResponse struct {
	Found bool
	Value []byte
}

func encodeMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsgpack(b []byte, v any) error {
	return codec.NewDecoder(bytes.NewReader(b), &codec.MsgpackHandle{}).Decode(v)
}

func unitOf(u uint8) storage.Unit { return storage.Unit(u) }
