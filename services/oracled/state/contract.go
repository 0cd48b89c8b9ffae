package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/storage"
)

var contractKey = []byte("cfg/aggregator_contract")

// ContractState is the aggregator contract lifecycle. Exactly one of
// Uninitialized, DeployPending or Confirmed.
type ContractState interface {
	Name() string
	isContractState()
}

// Uninitialized means no deployment was submitted yet.
type Uninitialized struct{}

// DeployPending carries the hash of the submitted deployment transaction.
type DeployPending struct {
	TxHash common.Hash
}

// Confirmed carries the deployed contract address.
type Confirmed struct {
	TxHash  common.Hash
	Address common.Address
}

func (Uninitialized) Name() string { return "uninitialized" }
func (DeployPending) Name() string { return "deploy_pending" }
func (Confirmed) Name() string     { return "confirmed" }

func (Uninitialized) isContractState() {}
func (DeployPending) isContractState() {}
func (Confirmed) isContractState()     {}

const (
	kindUninitialized uint8 = iota
	kindDeployPending
	kindConfirmed
)

type contractRecord struct {
	Kind    uint8
	TxHash  common.Hash
	Address common.Address
}

// ContractCell persists the aggregator contract state and only lets it move
// forward.
type ContractCell struct {
	mu      sync.RWMutex
	db      storage.Database
	current ContractState
}

// OpenContract loads the contract state, defaulting to Uninitialized.
func OpenContract(db storage.Database) (*ContractCell, error) {
	cell := &ContractCell{db: db, current: Uninitialized{}}
	raw, err := db.Get(contractKey)
	if errors.Is(err, storage.ErrNotFound) {
		return cell, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load contract state: %w", err)
	}
	var rec contractRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, oerrors.Internal("decode contract state: %v", err)
	}
	switch rec.Kind {
	case kindUninitialized:
	case kindDeployPending:
		cell.current = DeployPending{TxHash: rec.TxHash}
	case kindConfirmed:
		cell.current = Confirmed{TxHash: rec.TxHash, Address: rec.Address}
	default:
		return nil, oerrors.Internal("unknown contract state kind %d", rec.Kind)
	}
	return cell, nil
}

// Get returns the current state.
func (c *ContractCell) Get() ContractState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance moves to next if the transition is legal. Legal transitions are
// Uninitialized -> DeployPending and DeployPending -> Confirmed for the same
// deployment transaction.
func (c *ContractCell) Advance(next ContractState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rec contractRecord
	switch target := next.(type) {
	case DeployPending:
		if _, ok := c.current.(Uninitialized); !ok {
			return oerrors.Internal("illegal contract transition %s -> %s", c.current.Name(), next.Name())
		}
		rec = contractRecord{Kind: kindDeployPending, TxHash: target.TxHash}
	case Confirmed:
		pending, ok := c.current.(DeployPending)
		if !ok || pending.TxHash != target.TxHash {
			return oerrors.Internal("illegal contract transition %s -> %s", c.current.Name(), next.Name())
		}
		rec = contractRecord{Kind: kindConfirmed, TxHash: target.TxHash, Address: target.Address}
	default:
		return oerrors.Internal("illegal contract transition %s -> %T", c.current.Name(), next)
	}
	encoded, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return oerrors.Internal("encode contract state: %v", err)
	}
	if err := c.db.Put(contractKey, encoded); err != nil {
		return fmt.Errorf("state: persist contract state: %w", err)
	}
	c.current = next
	return nil
}
