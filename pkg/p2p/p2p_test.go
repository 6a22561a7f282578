package p2p

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/crypto"
	"github.com/uhyunpark/shardnode/pkg/storage"
)

func TestChannelIDs(t *testing.T) {
	cases := []struct {
		ch    Channel
		shard uint32
		want  string
	}{
		{ChannelBlock, 0, "block0"},
		{ChannelXTransactionBlock, 3, "xtransaction_block3"},
		{ChannelReceiptBlock, 12, "receipt_block12"},
		{ChannelObjects, 7, "objects"},
	}
	for _, c := range cases {
		if got := c.ch.ID(c.shard); got != c.want {
			t.Errorf("%s.ID(%d) = %q, want %q", c.ch, c.shard, got, c.want)
		}
	}
}

func TestEnvelopeMsgpack(t *testing.T) {
	in := Envelope{Channel: "block0", From: "peer-a", Payload: []byte{1, 2, 3}}
	raw, err := encodeMsgpack(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out Envelope
	if err := decodeMsgpack(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Channel != in.Channel || out.From != in.From || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestPeerIDMatchesIdentity(t *testing.T) {
	s, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	key, err := identityFromPrivateKey(s.PrivateKeyBytes())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	want, err := peer.IDFromPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := PeerIDFromPublicKey(s.PublicKey())
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	if got != want.String() {
		t.Fatalf("peer id %s, want %s", got, want)
	}
	if _, err := PeerIDFromPublicKey([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

// fakeReplicator records announcements and serves fetches from a map.
type fakeReplicator struct {
	mu        sync.Mutex
	announced []ObjectPut
	remote    map[string][]byte
	fetches   int
	err       error
}

func (f *fakeReplicator) Announce(_ context.Context, put ObjectPut) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, put)
	return nil
}

func (f *fakeReplicator) Fetch(_ context.Context, u storage.Unit, key []byte) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, false, f.err
	}
	v, ok := f.remote[string(unitKeyForTest(u, key))]
	return v, ok, nil
}

func unitKeyForTest(u storage.Unit, key []byte) []byte {
	return append([]byte{byte(u)}, key...)
}

func testBlock(nonce uint64) *chain.Block {
	return &chain.Block{Nonce: nonce, RoundIndex: nonce, Timestamp: 1000 * nonce}
}

func TestObjectIndexAnnouncesWrites(t *testing.T) {
	ctx := context.Background()
	repl := &fakeReplicator{}
	x := NewObjectIndex(storage.NewMemoryStore(), repl)

	b := testBlock(1)
	if err := x.PutBlock(ctx, b); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := x.SetBlockHashAtHeight(ctx, 1, b.Hash()); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := x.SetMaxHeight(ctx, 1); err != nil {
		t.Fatalf("max height: %v", err)
	}
	if len(repl.announced) != 3 {
		t.Fatalf("announced %d puts, want 3", len(repl.announced))
	}
	if repl.announced[2].Kind != putMaxHeight || repl.announced[2].Height != 1 {
		t.Fatalf("last put %+v", repl.announced[2])
	}

	got, ok, err := x.GetBlock(ctx, b.Hash())
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Hash() != b.Hash() {
		t.Fatal("block hash changed through the store")
	}
	if repl.fetches != 0 {
		t.Fatalf("local hit should not fetch, fetched %d", repl.fetches)
	}
}

func TestObjectIndexFetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	tx := &chain.Transaction{Sender: common.HexToAddress("0x01"), Receiver: common.HexToAddress("0x02"), Value: big.NewInt(5)}
	raw, err := storage.Encode(tx)
	if err != nil {
		t.Fatal(err)
	}
	repl := &fakeReplicator{remote: map[string][]byte{
		string(unitKeyForTest(storage.UnitTransaction, tx.Hash().Bytes())): raw,
	}}
	x := NewObjectIndex(storage.NewMemoryStore(), repl)

	txs, err := x.GetTransactions(ctx, []common.Hash{tx.Hash()})
	if err != nil {
		t.Fatalf("get txs: %v", err)
	}
	if len(txs) != 1 || txs[0].Hash() != tx.Hash() {
		t.Fatalf("got %v", txs)
	}
	if _, err := x.GetTransactions(ctx, []common.Hash{tx.Hash()}); err != nil {
		t.Fatal(err)
	}
	if repl.fetches != 1 {
		t.Fatalf("fetches = %d, want 1 (second read cached)", repl.fetches)
	}

	_, err = x.GetTransactions(ctx, []common.Hash{{0xaa}})
	if !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("missing tx: err = %v, want ErrNotFound", err)
	}

	repl.err = errors.New("timeout")
	if _, _, err := x.BlockHashAtHeight(ctx, 9); err == nil {
		t.Fatal("fetch error should surface")
	}
}

func TestMaxHeightOnlyGrows(t *testing.T) {
	ctx := context.Background()
	x := NewObjectIndex(storage.NewMemoryStore(), nil)

	h, err := x.MaxHeight(ctx)
	if err != nil || h != -1 {
		t.Fatalf("empty max height = %d, %v", h, err)
	}
	for _, v := range []int64{0, 4, 2} {
		if err := x.SetMaxHeight(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := x.Apply(ObjectPut{Kind: putMaxHeight, Height: 3}); err != nil {
		t.Fatal(err)
	}
	if h, _ := x.MaxHeight(ctx); h != 4 {
		t.Fatalf("max height = %d, want 4", h)
	}
	if err := x.Apply(ObjectPut{Kind: 99}); err == nil {
		t.Fatal("unknown put kind accepted")
	}
}

func TestLocalHubDelivery(t *testing.T) {
	ctx := context.Background()
	hub := NewLocalHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	if hub.Join("a") != a {
		t.Fatal("rejoin returned a new node")
	}

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(node string) Handler {
		return func(from string, payload []byte) {
			mu.Lock()
			defer mu.Unlock()
			got[node] = append(got[node], from+":"+string(payload))
		}
	}
	_ = a.Subscribe(ctx, ChannelBlock, 0, record("a"))
	_ = b.Subscribe(ctx, ChannelBlock, 0, record("b"))
	_ = c.Subscribe(ctx, ChannelBlock, 1, record("c"))

	if err := a.Publish(ctx, ChannelBlock, []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	if len(got["a"]) != 0 {
		t.Fatal("publisher received its own message")
	}
	if len(got["b"]) != 1 || got["b"][0] != "a:x" {
		t.Fatalf("b got %v", got["b"])
	}
	if len(got["c"]) != 0 {
		t.Fatal("shard 1 subscriber received a shard 0 message")
	}

	peers := a.PeersOnChannel(ChannelBlock, 0)
	if len(peers) != 1 || peers[0] != "b" {
		t.Fatalf("peers = %v", peers)
	}

	boom := errors.New("boom")
	a.FailPublish(ChannelBlock, 0, boom)
	if err := a.Publish(ctx, ChannelBlock, []byte("y"), 0); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	a.FailPublish(ChannelBlock, 0, nil)
	if n := len(a.Published(ChannelBlock, 0)); n != 1 {
		t.Fatalf("recorded %d publications, want 1", n)
	}
}
