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

var accountKey = []byte("cfg/self_account")

// SelfAccount is the externally-owned account the oracle signs relay
// transactions with.
type SelfAccount struct {
	SigningKey []byte
	Address    common.Address
}

// AccountCell stores the SelfAccount at most once.
type AccountCell struct {
	mu      sync.RWMutex
	db      storage.Database
	account *SelfAccount
}

// OpenAccount loads the self account if one was registered.
func OpenAccount(db storage.Database) (*AccountCell, error) {
	cell := &AccountCell{db: db}
	raw, err := db.Get(accountKey)
	if errors.Is(err, storage.ErrNotFound) {
		return cell, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load self account: %w", err)
	}
	var acc SelfAccount
	if err := rlp.DecodeBytes(raw, &acc); err != nil {
		return nil, oerrors.Internal("decode self account: %v", err)
	}
	cell.account = &acc
	return cell, nil
}

// Get returns a copy of the account and whether one is registered.
func (c *AccountCell) Get() (SelfAccount, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return SelfAccount{}, false
	}
	return SelfAccount{
		SigningKey: append([]byte(nil), c.account.SigningKey...),
		Address:    c.account.Address,
	}, true
}

// Set stores acc unless an account already exists, in which case an
// AlreadyRegistered error naming the stored address is returned.
func (c *AccountCell) Set(acc SelfAccount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account != nil {
		return oerrors.AlreadyRegistered(c.account.Address.Hex())
	}
	stored := SelfAccount{SigningKey: append([]byte(nil), acc.SigningKey...), Address: acc.Address}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return oerrors.Internal("encode self account: %v", err)
	}
	if err := c.db.Put(accountKey, encoded); err != nil {
		return fmt.Errorf("state: persist self account: %w", err)
	}
	c.account = &stored
	return nil
}
