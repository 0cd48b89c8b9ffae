package state

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evmoracle/core/identity"
	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/storage"
)

func TestSettingsDefaultsAndPersistence(t *testing.T) {
	db := storage.NewMemDB()
	cell, err := OpenSettings(db)
	require.NoError(t, err)
	assert.False(t, cell.Initialized())
	assert.Equal(t, identity.Anonymous, cell.Owner())
	assert.Equal(t, identity.Anonymous, cell.EVMPeer())

	require.NoError(t, cell.Reset(Settings{Owner: "alice", EVMPeer: "http://evm:8545"}))
	require.NoError(t, cell.SetOwner("bob"))

	reloaded, err := OpenSettings(db)
	require.NoError(t, err)
	assert.True(t, reloaded.Initialized())
	assert.Equal(t, Settings{Owner: "bob", EVMPeer: "http://evm:8545"}, reloaded.Get())

	require.NoError(t, reloaded.SetEVMPeer("http://other:8545"))
	assert.Equal(t, identity.Identity("bob"), reloaded.Owner())
}

func TestAccountCellSetOnce(t *testing.T) {
	db := storage.NewMemDB()
	cell, err := OpenAccount(db)
	require.NoError(t, err)
	_, ok := cell.Get()
	assert.False(t, ok)

	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	require.NoError(t, cell.Set(SelfAccount{SigningKey: []byte{1, 2, 3}, Address: addr}))

	err = cell.Set(SelfAccount{SigningKey: []byte{9}, Address: common.Address{}})
	require.ErrorIs(t, err, oerrors.ErrAlreadyRegistered)
	var already *oerrors.AlreadyRegisteredError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, addr.Hex(), already.Identity)

	reloaded, err := OpenAccount(db)
	require.NoError(t, err)
	acc, ok := reloaded.Get()
	require.True(t, ok)
	assert.Equal(t, addr, acc.Address)
	assert.Equal(t, []byte{1, 2, 3}, acc.SigningKey)
}

func TestContractCellOnlyMovesForward(t *testing.T) {
	db := storage.NewMemDB()
	cell, err := OpenContract(db)
	require.NoError(t, err)
	assert.Equal(t, Uninitialized{}, cell.Get())

	hash := common.HexToHash("0x01")
	addr := common.HexToAddress("0x02")

	require.ErrorIs(t, cell.Advance(Confirmed{TxHash: hash, Address: addr}), oerrors.ErrInternal)
	require.NoError(t, cell.Advance(DeployPending{TxHash: hash}))
	require.ErrorIs(t, cell.Advance(DeployPending{TxHash: hash}), oerrors.ErrInternal)
	require.ErrorIs(t, cell.Advance(Confirmed{TxHash: common.HexToHash("0x03"), Address: addr}), oerrors.ErrInternal)

	reloaded, err := OpenContract(db)
	require.NoError(t, err)
	assert.Equal(t, DeployPending{TxHash: hash}, reloaded.Get())

	require.NoError(t, reloaded.Advance(Confirmed{TxHash: hash, Address: addr}))
	require.ErrorIs(t, reloaded.Advance(Uninitialized{}), oerrors.ErrInternal)

	final, err := OpenContract(db)
	require.NoError(t, err)
	assert.Equal(t, Confirmed{TxHash: hash, Address: addr}, final.Get())
}
