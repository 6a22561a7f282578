package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/uhyunpark/shardnode/pkg/account"
	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/consensus"
	"github.com/uhyunpark/shardnode/pkg/storage"
)

type recordingSubmitter struct {
	got []*chain.Transaction
	err error
}

func (r *recordingSubmitter) Submit(_ context.Context, tx *chain.Transaction) error {
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, tx)
	return nil
}

type fixedHeight int64

func (f fixedHeight) MaxHeight(context.Context) (int64, error) { return int64(f), nil }

func newTestServer(t *testing.T) (*Server, *httptest.Server, *chain.Blockchain, *recordingSubmitter) {
	t.Helper()
	bc, err := chain.NewBlockchain(storage.NewMemoryStore(), 0)
	if err != nil {
		t.Fatal(err)
	}
	gen, _ := chain.NewGenesisBlock(common.HexToAddress("0xa1"), big.NewInt(100), 0, 1_700_000_000_000)
	if err := bc.Append(gen); err != nil {
		t.Fatal(err)
	}
	accounts := account.NewAccounts(storage.NewMemoryStore())
	accounts.Set(common.HexToAddress("0xa1"), &account.State{Balance: big.NewInt(100)})
	if err := accounts.Commit(); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	stats := consensus.NewStatistics(reg)
	stats.AddRound(3, time.Second)

	sub := &recordingSubmitter{}
	s := NewServer(Deps{
		NodeName: "node-0",
		Chain:    bc,
		Accounts: accounts,
		Network:  fixedHeight(4),
		Submit:   sub,
		Stats:    stats,
		Gatherer: reg,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, bc, sub
}

func getJSON(t *testing.T, url string, want int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d, want %d: %s", url, resp.StatusCode, want, body)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
}

func TestStatusAndBlocks(t *testing.T) {
	_, ts, bc, _ := newTestServer(t)

	var st StatusInfo
	getJSON(t, ts.URL+"/api/v1/status", http.StatusOK, &st)
	if st.Height != 0 || st.NetworkHeight != 4 || st.Rounds != 1 || st.Processed != 3 {
		t.Fatalf("status = %+v", st)
	}
	if st.TipHash != bc.Tip().Hash().Hex() {
		t.Fatalf("tip hash = %s", st.TipHash)
	}

	var b BlockInfo
	getJSON(t, ts.URL+"/api/v1/blocks/0", http.StatusOK, &b)
	if b.Hash != bc.Tip().Hash().Hex() || len(b.Transactions) != 1 {
		t.Fatalf("block = %+v", b)
	}
	getJSON(t, ts.URL+"/api/v1/blocks/9", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/api/v1/blocks/x", http.StatusBadRequest, nil)
}

func TestReceiptsAndAccounts(t *testing.T) {
	_, ts, bc, _ := newTestServer(t)
	txHash := common.HexToHash("0x1234")
	if _, err := bc.PutReceipt(&chain.Receipt{TxHash: txHash, Status: chain.ReceiptRejected, Log: "nonce mismatch"}); err != nil {
		t.Fatal(err)
	}

	var rc ReceiptInfo
	getJSON(t, ts.URL+"/api/v1/receipts/"+txHash.Hex(), http.StatusOK, &rc)
	if rc.Status != "REJECTED" || rc.Log != "nonce mismatch" {
		t.Fatalf("receipt = %+v", rc)
	}
	getJSON(t, ts.URL+"/api/v1/receipts/"+common.HexToHash("0x99").Hex(), http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/api/v1/receipts/abc", http.StatusBadRequest, nil)

	var acc AccountInfo
	getJSON(t, ts.URL+"/api/v1/accounts/0x00000000000000000000000000000000000000a1", http.StatusOK, &acc)
	if acc.Balance != "100" || acc.Nonce != 0 {
		t.Fatalf("account = %+v", acc)
	}
	// Mixed case with a broken checksum.
	getJSON(t, ts.URL+"/api/v1/accounts/0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", http.StatusBadRequest, nil)
}

func TestSubmitTransaction(t *testing.T) {
	_, ts, _, sub := newTestServer(t)
	body := `{"sender":"0x00000000000000000000000000000000000000a1","receiver":"0x00000000000000000000000000000000000000b2","value":"7","nonce":0,"signature":"0x0102"}`

	resp, err := http.Post(ts.URL+"/api/v1/transactions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(sub.got) != 1 || sub.got[0].Value.Int64() != 7 {
		t.Fatalf("submitted %v", sub.got)
	}

	sub.err = errors.New("bad transaction signature")
	resp, err = http.Post(ts.URL+"/api/v1/transactions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "shardnode_transactions_processed_total 3") {
		t.Fatalf("metrics missing processed counter:\n%s", body)
	}
}

func TestWebSocketBlockStream(t *testing.T) {
	s, ts, bc, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"blocks"}}); err != nil {
		t.Fatal(err)
	}

	// The subscription is processed asynchronously; keep broadcasting until it lands.
	got := make(chan BlockUpdate, 1)
	go func() {
		var u BlockUpdate
		if err := conn.ReadJSON(&u); err == nil {
			got <- u
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		s.BroadcastBlock(bc.Tip())
		select {
		case u := <-got:
			if u.Type != "block" || u.Block.Nonce != 0 {
				t.Fatalf("update = %+v", u)
			}
			return
		case <-deadline:
			t.Fatal("no block update received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
