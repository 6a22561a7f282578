package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardnode/pkg/storage"
	"github.com/uhyunpark/shardnode/pkg/util"
)

const (
	protocolObject      = protocol.ID("/shardnode/object/1.0.0")
	defaultFetchTimeout = 3 * time.Second
	maxObjectSize       = 16 << 20
)

// Libp2pNet carries broadcast channels over gossipsub and answers object
// requests over a unicast stream protocol.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	fetchTimeout time.Duration

	muTopics sync.Mutex
	topics   map[string]*pubsub.Topic

	muIndex sync.RWMutex
	index   *ObjectIndex
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	// PrivateKey is the node's 32-byte secp256k1 key. It fixes the peer ID.
	PrivateKey   []byte
	FetchTimeout time.Duration
	Logger       *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	log := util.OrNop(cfg.Logger)

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	if len(cfg.PrivateKey) > 0 {
		key, err := identityFromPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.Identity(key))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	n := &Libp2pNet{
		h: h, ps: ps, log: log,
		fetchTimeout: timeout,
		topics:       make(map[string]*pubsub.Topic),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	h.SetStreamHandler(protocolObject, n.handleObjectStream)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) Host() host.Host { return n.h }
func (n *Libp2pNet) SelfID() string  { return n.h.ID().String() }
func (n *Libp2pNet) Close() error    { return n.h.Close() }

// topic joins a topic once and reuses it afterwards.
func (n *Libp2pNet) topic(id string) (*pubsub.Topic, error) {
	n.muTopics.Lock()
	defer n.muTopics.Unlock()
	if t, ok := n.topics[id]; ok {
		return t, nil
	}
	t, err := n.ps.Join(id)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", id, err)
	}
	n.topics[id] = t
	return t, nil
}

func (n *Libp2pNet) Publish(ctx context.Context, ch Channel, payload []byte, shard uint32) error {
	id := ch.ID(shard)
	t, err := n.topic(id)
	if err != nil {
		return err
	}
	data, err := encodeMsgpack(Envelope{Channel: id, From: n.SelfID(), Payload: payload})
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe delivers every message on the channel of shard to handler until
// ctx ends. Messages this node published are skipped.
func (n *Libp2pNet) Subscribe(ctx context.Context, ch Channel, shard uint32, handler Handler) error {
	t, err := n.topic(ch.ID(shard))
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}
	go n.handleSubscription(ctx, sub, handler)
	return nil
}

func (n *Libp2pNet) handleSubscription(ctx context.Context, sub *pubsub.Subscription, handler Handler) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var env Envelope
		if err := decodeMsgpack(msg.Data, &env); err != nil {
			n.log.Debugw("bad_envelope", "topic", sub.Topic(), "err", err)
			continue
		}
		handler(env.From, env.Payload)
	}
}

func (n *Libp2pNet) PeersOnChannel(ch Channel, shard uint32) []string {
	ids := n.ps.ListPeers(ch.ID(shard))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// ServeObjects makes this node a replica of the network object store: it
// applies announced writes to index and answers object requests from it.
func (n *Libp2pNet) ServeObjects(ctx context.Context, index *ObjectIndex) error {
	n.muIndex.Lock()
	n.index = index
	n.muIndex.Unlock()

	return n.Subscribe(ctx, ChannelObjects, 0, func(from string, payload []byte) {
		var put ObjectPut
		if err := decodeMsgpack(payload, &put); err != nil {
			n.log.Debugw("bad_object_put", "from", from, "err", err)
			return
		}
		if err := index.Apply(put); err != nil {
			n.log.Warnw("object_apply_failed", "from", from, "err", err)
		}
	})
}

// Announce implements Replicator.
func (n *Libp2pNet) Announce(ctx context.Context, put ObjectPut) error {
	data, err := encodeMsgpack(put)
	if err != nil {
		return err
	}
	return n.Publish(ctx, ChannelObjects, data, 0)
}

// Fetch implements Replicator. Connected peers are asked one at a time.
func (n *Libp2pNet) Fetch(ctx context.Context, u storage.Unit, key []byte) ([]byte, bool, error) {
	req, err := encodeMsgpack(ObjectRequest{Unit: uint8(u), Key: key})
	if err != nil {
		return nil, false, err
	}
	var lastErr error
	for _, p := range n.h.Network().Peers() {
		resp, err := n.requestObject(ctx, p, req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Found {
			return resp.Value, true, nil
		}
	}
	if lastErr != nil && ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	return nil, false, nil
}

func (n *Libp2pNet) requestObject(ctx context.Context, p peer.ID, req []byte) (ObjectResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, n.fetchTimeout)
	defer cancel()

	var resp ObjectResponse
	stream, err := n.h.NewStream(ctx, p, protocolObject)
	if err != nil {
		return resp, err
	}
	defer stream.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	if _, err := stream.Write(req); err != nil {
		return resp, err
	}
	if err := stream.CloseWrite(); err != nil {
		return resp, err
	}
	data, err := io.ReadAll(io.LimitReader(stream, maxObjectSize))
	if err != nil {
		return resp, err
	}
	if err := decodeMsgpack(data, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// handleObjectStream answers one object request from the local replica.
func (n *Libp2pNet) handleObjectStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(io.LimitReader(s, maxObjectSize))
	if err != nil {
		return
	}
	var req ObjectRequest
	if err := decodeMsgpack(data, &req); err != nil {
		return
	}

	n.muIndex.RLock()
	index := n.index
	n.muIndex.RUnlock()

	var resp ObjectResponse
	if index != nil {
		val, ok, err := index.Local(unitOf(req.Unit), req.Key)
		if err != nil {
			n.log.Warnw("object_lookup_failed", "unit", unitOf(req.Unit), "err", err)
		}
		resp = ObjectResponse{Found: ok && err == nil, Value: val}
	}
	out, err := encodeMsgpack(resp)
	if err != nil {
		return
	}
	_, _ = s.Write(out)
}

var errNoPeers = errors.New("no peers connected")

// WaitForPeers blocks until at least one peer is connected or ctx ends.
func (n *Libp2pNet) WaitForPeers(ctx context.Context) error {
	for len(n.h.Network().Peers()) == 0 {
		select {
		case <-ctx.Done():
			return errNoPeers
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}

var _ Replicator = (*Libp2pNet)(nil)
