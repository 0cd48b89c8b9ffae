package evmc

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Sender submits transactions for one signer at a time so consecutive relays
// receive consecutive nonces.
type Sender struct {
	mu       sync.Mutex
	gasPrice *big.Int
}

// NewSender builds a Sender. A nil gasPrice asks the chain on every send.
func NewSender(gasPrice *big.Int) *Sender {
	s := &Sender{}
	if gasPrice != nil {
		s.gasPrice = new(big.Int).Set(gasPrice)
	}
	return s
}

// Send signs and submits a transaction to chain and returns it once the node
// accepted it into its pool.
func (s *Sender) Send(ctx context.Context, chain Chain, signer *Signer, to *common.Address, data []byte, gas uint64) (*gethtypes.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := chain.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return nil, err
	}
	gasPrice := s.gasPrice
	if gasPrice == nil {
		if gasPrice, err = chain.SuggestGasPrice(ctx); err != nil {
			return nil, err
		}
	}
	tx, err := signer.SignLegacy(nonce, to, nil, gas, gasPrice, data)
	if err != nil {
		return nil, err
	}
	if err := chain.SendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}
