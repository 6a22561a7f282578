package account

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/shardnode/pkg/storage"
)

func newAccounts(t *testing.T) *Accounts {
	t.Helper()
	s, err := storage.NewMemPebbleStore()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return NewAccounts(s)
}

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

func TestGetOrCreateDefaultsToZero(t *testing.T) {
	a := newAccounts(t)
	s, err := a.GetOrCreate(alice)
	if err != nil {
		t.Fatal(err)
	}
	if s.Balance.Sign() != 0 || s.Nonce != 0 {
		t.Fatalf("fresh account = %s", s)
	}
	root, _ := a.RootHash()
	if root != types.EmptyRootHash {
		t.Fatal("reading an account must not create state")
	}
}

func TestSetCommitAndReload(t *testing.T) {
	a := newAccounts(t)
	a.Set(alice, &State{Balance: big.NewInt(10), Nonce: 2})
	if !a.Dirty() {
		t.Fatal("set should dirty the journal")
	}
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	if a.Dirty() {
		t.Fatal("commit should clear the journal")
	}

	s, err := a.GetOrCreate(alice)
	if err != nil {
		t.Fatal(err)
	}
	if s.Balance.Int64() != 10 || s.Nonce != 2 {
		t.Fatalf("reloaded = %s", s)
	}

	// returned states are copies
	s.Balance.SetInt64(999)
	again, _ := a.GetOrCreate(alice)
	if again.Balance.Int64() != 10 {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestRollbackRestoresRoot(t *testing.T) {
	a := newAccounts(t)
	a.Set(alice, &State{Balance: big.NewInt(10)})
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	before, err := a.RootHash()
	if err != nil {
		t.Fatal(err)
	}

	a.Set(alice, &State{Balance: big.NewInt(9), Nonce: 1})
	a.Set(bob, &State{Balance: big.NewInt(1)})
	during, _ := a.RootHash()
	if during == before {
		t.Fatal("root must reflect journaled writes")
	}

	a.Rollback()
	after, _ := a.RootHash()
	if after != before {
		t.Fatalf("root after rollback = %s, want %s", after, before)
	}
}

func TestRootHashIsOrderIndependent(t *testing.T) {
	a1 := newAccounts(t)
	a1.Set(alice, &State{Balance: big.NewInt(1)})
	a1.Set(bob, &State{Balance: big.NewInt(2)})

	a2 := newAccounts(t)
	a2.Set(bob, &State{Balance: big.NewInt(2)})
	_ = a2.Commit()
	a2.Set(alice, &State{Balance: big.NewInt(1)})

	r1, _ := a1.RootHash()
	r2, _ := a2.RootHash()
	if r1 != r2 {
		t.Fatalf("roots differ: %s vs %s", r1, r2)
	}
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	a := newAccounts(t)
	a.Set(alice, &State{Balance: big.NewInt(5)})

	boom := errors.New("boom")
	err := a.Update([]common.Address{alice, bob}, func(s []*State) error {
		s[0].Balance.SetInt64(0)
		s[1].Balance.SetInt64(5)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	got, _ := a.GetOrCreate(alice)
	if got.Balance.Int64() != 5 {
		t.Fatal("failed update leaked a write")
	}

	err = a.Update([]common.Address{alice, bob}, func(s []*State) error {
		s[0].Balance.SetInt64(0)
		s[1].Balance.SetInt64(5)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ = a.GetOrCreate(bob)
	if got.Balance.Int64() != 5 {
		t.Fatal("update not applied")
	}
}

func TestSandboxIsolatesComposition(t *testing.T) {
	a := newAccounts(t)
	a.Set(alice, &State{Balance: big.NewInt(10)})
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	// A block being applied concurrently has journaled a write of its own.
	a.Set(bob, &State{Balance: big.NewInt(3)})
	parentRoot, _ := a.RootHash()

	sb := a.Sandbox()
	err := sb.Update([]common.Address{alice, bob}, func(s []*State) error {
		if s[1].Balance.Int64() != 3 {
			t.Fatalf("sandbox read %s for bob, want the parent's journaled 3", s[1].Balance)
		}
		s[0].Balance.SetInt64(4)
		s[1].Balance.SetInt64(9)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := a.GetOrCreate(alice); got.Balance.Int64() != 10 {
		t.Fatal("sandbox write reached the parent")
	}
	sbRoot, _ := sb.RootHash()
	if sbRoot == parentRoot {
		t.Fatal("sandbox root ignores its own writes")
	}

	sb.Rollback()
	if !a.Dirty() {
		t.Fatal("sandbox rollback cleared the parent's journal")
	}
	if r, _ := sb.RootHash(); r != parentRoot {
		t.Fatal("rolled back sandbox should see the parent root")
	}

	// Writes left in a sandbox are never part of a commit.
	_ = sb.Update([]common.Address{alice}, func(s []*State) error {
		s[0].Balance.SetInt64(1)
		return nil
	})
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.GetOrCreate(alice); got.Balance.Int64() != 10 {
		t.Fatalf("alice = %s after commit, sandbox write flushed", got.Balance)
	}
	if got, _ := a.GetOrCreate(bob); got.Balance.Int64() != 3 {
		t.Fatalf("bob = %s after commit", got.Balance)
	}
}

func TestFlushedKeepsRewrittenEntries(t *testing.T) {
	a := newAccounts(t)
	a.Set(alice, &State{Balance: big.NewInt(1)})
	ops := a.Staged()
	if len(ops) != 1 {
		t.Fatalf("staged %d ops", len(ops))
	}
	a.Set(alice, &State{Balance: big.NewInt(2)})
	a.Flushed(ops)
	if !a.Dirty() {
		t.Fatal("an entry rewritten after staging was dropped")
	}
}
