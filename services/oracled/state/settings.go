// Package state holds the oracle's durable singleton records: the settings
// cell, the self account and the aggregator contract state machine. Each cell
// is loaded once when opened and written through on every change.
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"evmoracle/core/identity"
	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/storage"
)

var settingsKey = []byte("cfg/settings")

// Settings captures the owner allowed to mutate the oracle and the EVM peer it
// relays to.
type Settings struct {
	Owner   identity.Identity
	EVMPeer identity.Identity
}

type settingsRecord struct {
	Owner   string
	EVMPeer string
}

// SettingsCell persists Settings. Updates rewrite the whole record from the
// cached copy so concurrent field updates cannot interleave.
type SettingsCell struct {
	mu          sync.RWMutex
	db          storage.Database
	current     Settings
	initialized bool
}

// OpenSettings loads the settings record. A missing record yields anonymous
// defaults and Initialized() == false.
func OpenSettings(db storage.Database) (*SettingsCell, error) {
	cell := &SettingsCell{db: db, current: Settings{Owner: identity.Anonymous, EVMPeer: identity.Anonymous}}
	raw, err := db.Get(settingsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return cell, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load settings: %w", err)
	}
	var rec settingsRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, oerrors.Internal("decode settings: %v", err)
	}
	cell.current = Settings{Owner: identity.Identity(rec.Owner), EVMPeer: identity.Identity(rec.EVMPeer)}
	cell.initialized = true
	return cell, nil
}

// Initialized reports whether settings were ever persisted.
func (c *SettingsCell) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Get returns a snapshot of the settings.
func (c *SettingsCell) Get() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *SettingsCell) Owner() identity.Identity { return c.Get().Owner }

func (c *SettingsCell) EVMPeer() identity.Identity { return c.Get().EVMPeer }

// Reset replaces the settings wholesale.
func (c *SettingsCell) Reset(settings Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(settings)
}

func (c *SettingsCell) SetOwner(owner identity.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.current
	next.Owner = owner
	return c.writeLocked(next)
}

func (c *SettingsCell) SetEVMPeer(peer identity.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.current
	next.EVMPeer = peer
	return c.writeLocked(next)
}

func (c *SettingsCell) writeLocked(next Settings) error {
	encoded, err := rlp.EncodeToBytes(&settingsRecord{Owner: string(next.Owner), EVMPeer: string(next.EVMPeer)})
	if err != nil {
		return oerrors.Internal("encode settings: %v", err)
	}
	if err := c.db.Put(settingsKey, encoded); err != nil {
		return fmt.Errorf("state: persist settings: %w", err)
	}
	c.current = next
	c.initialized = true
	return nil
}
