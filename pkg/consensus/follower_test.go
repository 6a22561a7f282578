package consensus

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shardnode/params"
	"github.com/uhyunpark/shardnode/pkg/bootstrap"
	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/crypto"
	"github.com/uhyunpark/shardnode/pkg/execution"
	"github.com/uhyunpark/shardnode/pkg/util"
)

// newFollower builds a second node of leader's shard. It shares leader's
// genesis and receives leader's gossip.
func newFollower(t *testing.T, leader *harness) *harness {
	t.Helper()
	manual := util.NewManualClock(proposeAt(1))
	f := newHarnessWithKey(t, 1, manual, manual, leader.key)
	net := leader.hub.Join("follower")
	f.ingress.Net = net
	if err := f.ingress.Attach(context.Background(), net); err != nil {
		t.Fatal(err)
	}
	return f
}

// reconciler syncs h from network.
func (h *harness) reconciler(network bootstrap.NetworkIndex) *bootstrap.Reconciler {
	rec := bootstrap.NewReconciler(h.chain, h.accounts, execution.NewExecutor(nil), network, bootstrap.GenesisSpec{
		MintAddress: h.key.Address(),
		MintAmount:  big.NewInt(1000),
		Timestamp:   uint64(genesisTime.UnixMilli()),
	}, params.BootstrapStartFromScratch)
	rec.Pool = h.pool
	ms := crypto.NewMultiSig()
	rec.VerifyBlock = func(b *chain.Block) bool { return VerifyBlockSignature(ms, b) }
	return rec
}

func TestFollowerDoesNotReproposeSyncedTransactions(t *testing.T) {
	ctx := context.Background()
	leader := newHarness(t, 1)
	f := newFollower(t, leader)
	to := common.HexToAddress("0xb0")

	tx := leader.transfer(to, 5, 0)
	if err := leader.ingress.Submit(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if !f.pool.Contains(tx.Hash()) {
		t.Fatal("follower did not receive the transaction")
	}
	prop, err := leader.asm.Assemble(ctx)
	if err != nil || prop == nil {
		t.Fatalf("assemble: %v", err)
	}
	if out := leader.pipe.Commit(ctx, prop); !out.Committed {
		t.Fatal(out.Error())
	}
	leader.pipe.Wait()

	rep := f.reconciler(leader.hub.Index()).Tick(ctx)
	if rep.Err != nil || rep.Strategy != bootstrap.StrategyCatchUp || rep.Applied != 1 {
		t.Fatalf("sync: %+v", rep)
	}
	if f.chain.Tip().Hash() != prop.Block.Hash() {
		t.Fatal("follower tip differs from the leader's block")
	}
	if f.pool.Len() != 0 {
		t.Fatalf("follower pool holds %d committed entries", f.pool.Len())
	}

	// The follower leads the next round. A late copy of the gossip put the
	// hash back into its pool.
	if err := f.pool.Add(tx.Hash()); err != nil {
		t.Fatal(err)
	}
	f.manual.Set(proposeAt(2))
	f.state.EnterRound(2)
	p, err := f.asm.Assemble(ctx)
	if err != nil || p != nil {
		t.Fatalf("follower proposed %v, err=%v", p, err)
	}
	if f.pool.Len() != 0 {
		t.Fatal("settled transaction stayed pending")
	}
	r, ok, err := f.chain.ReceiptForTransaction(tx.Hash())
	if err != nil || !ok || r.Status != chain.ReceiptAccepted || r.BlockHash != prop.Block.Hash() {
		t.Fatalf("receipt = %+v ok=%v err=%v", r, ok, err)
	}
	if bal, nonce := f.balance(f.key.Address()); bal != 995 || nonce != 1 {
		t.Fatalf("sender on follower = %d/%d, want 995/1", bal, nonce)
	}
}

func TestAssembleSkipsSettledTransactions(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	to := common.HexToAddress("0xb0")
	settled := h.transfer(to, 1, 0)
	fresh := h.transfer(to, 2, 0)
	h.submit(settled, fresh)
	if _, err := h.chain.PutReceipt(&chain.Receipt{TxHash: settled.Hash(), Status: chain.ReceiptAccepted}); err != nil {
		t.Fatal(err)
	}

	prop, err := h.asm.Assemble(ctx)
	if err != nil || prop == nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(prop.Block.TxHashes) != 1 || prop.Block.TxHashes[0] != fresh.Hash() || len(prop.Receipts) != 1 {
		t.Fatalf("txs=%v receipts=%d", prop.Block.TxHashes, len(prop.Receipts))
	}
	if h.pool.Contains(settled.Hash()) {
		t.Fatal("settled hash still pending")
	}
}

func TestCommitFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	to := common.HexToAddress("0xb0")
	h.submit(h.transfer(to, 1, 0))
	tip := h.chain.Tip()
	rootBefore, _ := h.accounts.RootHash()

	prop, err := h.asm.Assemble(ctx)
	if err != nil || prop == nil {
		t.Fatalf("assemble: %v", err)
	}
	h.store.armed.Store(true)
	out := h.pipe.Commit(ctx, prop)
	if out.Committed || out.Stage != "persist" || !errors.Is(out.Err, ErrCommitFailed) {
		t.Fatalf("outcome = %+v", out)
	}
	if h.chain.Tip().Hash() != tip.Hash() {
		t.Fatal("tip moved")
	}
	if height, _ := h.chain.MaxHeight(); height != 0 {
		t.Fatalf("height = %d, want 0", height)
	}
	if h.accounts.Dirty() {
		t.Fatal("failed commit left the journal pending")
	}
	if root, _ := h.accounts.RootHash(); root != rootBefore {
		t.Fatal("failed commit changed the state root")
	}
	if h.pool.Len() != 1 {
		t.Fatal("failed commit consumed the pool")
	}

	h.store.armed.Store(false)
	prop, err = h.asm.Assemble(ctx)
	if err != nil || prop == nil {
		t.Fatalf("assemble after recovery: %v", err)
	}
	if out := h.pipe.Commit(ctx, prop); !out.Committed {
		t.Fatalf("commit after recovery: %v", out.Error())
	}
	h.pipe.Wait()
	if bal, _ := h.balance(to); bal != 1 {
		t.Fatalf("receiver = %d, want 1", bal)
	}
}

// The follower's sync loop and consensus loop run on their own goroutines,
// as in the node binary, while the leader keeps committing. Whatever wins
// each height, the follower's state must match its tip. Run with -race.
func TestSyncAndEngineRunConcurrently(t *testing.T) {
	leader := newHarness(t, 1)
	f := newFollower(t, leader)

	var writer sync.Mutex
	rec := f.reconciler(leader.hub.Index())
	rec.Writer = &writer
	rec.Interval = time.Millisecond
	f.pipe.Writer = &writer
	engine := NewEngine(f.state, NewPacemaker(f.chrono, genesisTime.UnixMilli()), f.asm, f.pipe, rec)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs <- rec.Run(ctx) }()
	go func() { defer wg.Done(); errs <- engine.Run(ctx) }()

	to := common.HexToAddress("0xb0")
	for round := 1; round <= 6; round++ {
		leader.manual.Set(proposeAt(round))
		leader.state.EnterRound(uint64(round))
		if err := leader.ingress.Submit(ctx, leader.transfer(to, 1, uint64(round-1))); err != nil {
			t.Fatal(err)
		}
		prop, err := leader.asm.Assemble(ctx)
		if err != nil || prop == nil {
			t.Fatalf("round %d: assemble: %v", round, err)
		}
		if out := leader.pipe.Commit(ctx, prop); !out.Committed {
			t.Fatalf("round %d: %v", round, out.Error())
		}
		leader.pipe.Wait()
		rec.Nudge()
		f.manual.Advance(roundDur / 2)
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.chain.Tip().Nonce == 0 && time.Now().Before(deadline) {
		rec.Nudge()
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("loop stopped with %v", err)
		}
	}

	tip := f.chain.Tip()
	if tip.Nonce == 0 {
		t.Fatal("follower never advanced")
	}
	if f.accounts.Dirty() {
		t.Fatal("journal left pending")
	}
	root, err := f.accounts.RootHash()
	if err != nil {
		t.Fatal(err)
	}
	if root != tip.AppStateHash {
		t.Fatalf("state root %s does not match tip %d root %s", root.TerminalString(), tip.Nonce, tip.AppStateHash.TerminalString())
	}
}
