package p2p

import (
	"context"
	"sort"
	"sync"

	"github.com/uhyunpark/shardnode/pkg/storage"
)

// LocalHub connects LocalNet nodes in one process. Delivery is synchronous
// and every node shares one object index, so the hub behaves like a network
// with instant replication. Used by tests and single-process clusters.
type LocalHub struct {
	mu    sync.RWMutex
	nodes map[string]*LocalNet
	index *ObjectIndex
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		nodes: make(map[string]*LocalNet),
		index: NewObjectIndex(storage.NewMemoryStore(), nil),
	}
}

// Index is the network object store shared by every node of the hub.
func (h *LocalHub) Index() *ObjectIndex { return h.index }

// Join registers a node under id. Joining twice returns the same node.
func (h *LocalHub) Join(id string) *LocalNet {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.nodes[id]; ok {
		return n
	}
	n := &LocalNet{
		hub:  h,
		id:   id,
		subs: make(map[string][]Handler),
		fail: make(map[string]error),
	}
	h.nodes[id] = n
	return n
}

func (h *LocalHub) others(self string) []*LocalNet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*LocalNet, 0, len(h.nodes))
	for id, n := range h.nodes {
		if id != self {
			out = append(out, n)
		}
	}
	return out
}

// Publication is one message a LocalNet sent.
type Publication struct {
	Topic   string
	Payload []byte
}

type LocalNet struct {
	hub *LocalHub
	id  string

	mu        sync.Mutex
	subs      map[string][]Handler
	fail      map[string]error
	published []Publication
}

func (n *LocalNet) SelfID() string { return n.id }

func (n *LocalNet) Publish(_ context.Context, ch Channel, payload []byte, shard uint32) error {
	topic := ch.ID(shard)

	n.mu.Lock()
	if err := n.fail[topic]; err != nil {
		n.mu.Unlock()
		return err
	}
	n.published = append(n.published, Publication{Topic: topic, Payload: payload})
	n.mu.Unlock()

	for _, peer := range n.hub.others(n.id) {
		for _, h := range peer.handlers(topic) {
			h(n.id, payload)
		}
	}
	return nil
}

func (n *LocalNet) Subscribe(_ context.Context, ch Channel, shard uint32, handler Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	topic := ch.ID(shard)
	n.subs[topic] = append(n.subs[topic], handler)
	return nil
}

func (n *LocalNet) handlers(topic string) []Handler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Handler(nil), n.subs[topic]...)
}

// PeersOnChannel lists the other nodes subscribed to the channel, sorted.
func (n *LocalNet) PeersOnChannel(ch Channel, shard uint32) []string {
	topic := ch.ID(shard)
	var out []string
	for _, peer := range n.hub.others(n.id) {
		if len(peer.handlers(topic)) > 0 {
			out = append(out, peer.id)
		}
	}
	sort.Strings(out)
	return out
}

// FailPublish makes every publish on the channel of shard return err.
// A nil err clears the failure.
func (n *LocalNet) FailPublish(ch Channel, shard uint32, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.fail, ch.ID(shard))
		return
	}
	n.fail[ch.ID(shard)] = err
}

// Published returns the messages sent on the channel of shard.
func (n *LocalNet) Published(ch Channel, shard uint32) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	topic := ch.ID(shard)
	var out [][]byte
	for _, p := range n.published {
		if p.Topic == topic {
			out = append(out, p.Payload)
		}
	}
	return out
}
