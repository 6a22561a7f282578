package account

import (
	"fmt"
	"math/big"
)

// State is the balance and transaction counter of one address.
type State struct {
	Balance *big.Int
	Nonce   uint64
}

func NewState() *State {
	return &State{Balance: new(big.Int)}
}

func (s *State) Copy() *State {
	out := &State{Nonce: s.Nonce, Balance: new(big.Int)}
	if s.Balance != nil {
		out.Balance.Set(s.Balance)
	}
	return out
}

func (s *State) String() string {
	return fmt.Sprintf("State{balance=%s nonce=%d}", s.Balance, s.Nonce)
}
