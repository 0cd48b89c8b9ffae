package oracle

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evmoracle/core/identity"
	"evmoracle/evmc"
	"evmoracle/evmc/evmctest"
	"evmoracle/services/oracled/aggregator"
	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/services/oracled/journal"
	"evmoracle/services/oracled/pipeline"
	"evmoracle/services/oracled/state"
	"evmoracle/storage"
)

type staticBatch map[string]decimal.Decimal

func (s staticBatch) Prices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error) {
	out := map[string]decimal.Decimal{}
	for _, pair := range pairs {
		if price, ok := s[pair]; ok {
			out[pair] = price
		}
	}
	return out, nil
}

type fixture struct {
	svc     *Service
	backend *evmctest.Backend
	db      storage.Database
}

func newFixture(t *testing.T, initial state.Settings) fixture {
	t.Helper()
	backend := evmctest.New(100)
	t.Cleanup(backend.Close)
	pool := evmc.NewPool(backend.Dial)
	t.Cleanup(pool.Close)

	gdb, err := journal.OpenDB("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	j, err := journal.New(gdb)
	require.NoError(t, err)

	db := storage.NewMemDB()
	svc, err := New(Options{
		DB:              db,
		InitialSettings: initial,
		Self:            "oracle-test",
		Pool:            pool,
		ChainID:         big.NewInt(355113),
		Bytecode:        []byte{0x60, 0x80},
		Batch:           staticBatch{"ETH/USD": decimal.RequireFromString("2100"), "BTC/USD": decimal.RequireFromString("60000")},
		Journal:         j,
	})
	require.NoError(t, err)
	return fixture{svc: svc, backend: backend, db: db}
}

func TestBootstrapAndOwnership(t *testing.T) {
	f := newFixture(t, state.Settings{})
	svc := f.svc
	assert.Equal(t, identity.Anonymous, svc.Owner())

	// Anyone may act while no owner is configured.
	require.NoError(t, svc.AddPair("mallory", "ETH/USD"))
	require.ErrorIs(t, svc.SetOwner(identity.Anonymous, identity.Anonymous), oerrors.ErrInvalidArgument)
	require.NoError(t, svc.SetOwner(identity.Anonymous, "alice"))

	require.ErrorIs(t, svc.AddPair("mallory", "BTC/USD"), oerrors.ErrNotAuthorized)
	require.ErrorIs(t, svc.AddPair(identity.Anonymous, "BTC/USD"), oerrors.ErrNotAuthorized)
	require.ErrorIs(t, svc.SetOwner("mallory", "mallory"), oerrors.ErrNotAuthorized)
	require.NoError(t, svc.AddPair("alice", "BTC/USD"))
	require.NoError(t, svc.SetEVMPeer("alice", "http://evm:8545"))
	assert.Equal(t, identity.Identity("http://evm:8545"), svc.EVMPeer())

	// Initial settings never override persisted ones.
	again, err := New(Options{
		DB:              f.db,
		InitialSettings: state.Settings{Owner: "bob", EVMPeer: "http://other"},
		Self:            "oracle-test",
		Pool:            evmc.NewPool(f.backend.Dial),
		ChainID:         big.NewInt(1),
		Batch:           staticBatch{},
	})
	require.NoError(t, err)
	assert.Equal(t, identity.Identity("alice"), again.Owner())
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, again.Pairs())
}

func TestPricesAndSync(t *testing.T) {
	f := newFixture(t, state.Settings{Owner: "alice", EVMPeer: "http://evm"})
	svc := f.svc
	ctx := context.Background()

	_, err := svc.LatestPrice("ETH/USD")
	require.ErrorIs(t, err, oerrors.ErrPairNotExist)
	require.NoError(t, svc.AddPair("alice", "ETH/USD"))
	require.NoError(t, svc.AddPair("alice", "DOGE/USD"))
	_, err = svc.LatestPrice("ETH/USD")
	require.ErrorIs(t, err, oerrors.ErrNoPrice)

	_, err = svc.SyncPrices(ctx, "bob", []string{"ETH/USD"}, pipeline.SourceCoinGecko)
	require.ErrorIs(t, err, oerrors.ErrNotAuthorized)

	written, err := svc.SyncPrices(ctx, "alice", []string{"ETH/USD", "DOGE/USD"}, pipeline.SourceCoinGecko)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	latest, err := svc.LatestPrice("ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, uint64(210000000000), latest.Value)

	recent, err := svc.RecentPrices("ETH/USD", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	_, err = svc.RecentPrices("XRP/USD", 1)
	require.ErrorIs(t, err, oerrors.ErrPairNotExist)

	require.NoError(t, svc.RemovePair("alice", "DOGE/USD"))
	require.ErrorIs(t, svc.RemovePair("alice", "DOGE/USD"), oerrors.ErrPairNotFound)
}

func TestRegisterDeployAndRelay(t *testing.T) {
	f := newFixture(t, state.Settings{Owner: "alice", EVMPeer: "http://evm"})
	svc := f.svc
	ctx := context.Background()

	_, err := svc.DeployContract(ctx, "alice")
	require.ErrorIs(t, err, oerrors.ErrNotRegistered)

	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	rawKey := gethcrypto.FromECDSA(key)
	signer, err := evmc.NewSigner(rawKey, big.NewInt(355113))
	require.NoError(t, err)
	minter := f.backend.Minter()
	regTx, err := signer.SignLegacy(0, &minter, big.NewInt(100), 53000, big.NewInt(0), nil)
	require.NoError(t, err)
	rawTx, err := regTx.MarshalBinary()
	require.NoError(t, err)

	_, err = svc.RegisterSelf(ctx, "bob", rawTx, rawKey)
	require.ErrorIs(t, err, oerrors.ErrNotAuthorized)
	addr, err := svc.RegisterSelf(ctx, "alice", rawTx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), addr)
	registered, ok := f.backend.Registered("oracle-test")
	require.True(t, ok)
	assert.Equal(t, signer.Address(), registered)

	_, err = svc.RegisterSelf(ctx, "alice", rawTx, rawKey)
	require.ErrorIs(t, err, oerrors.ErrAlreadyRegistered)

	_, err = svc.ContractAddress()
	require.ErrorIs(t, err, oerrors.ErrContractNotDeployed)
	_, err = svc.ConfirmContract(ctx, "alice")
	require.ErrorIs(t, err, oerrors.ErrNotInitialized)

	deployHash, err := svc.DeployContract(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, state.DeployPending{TxHash: deployHash}, svc.ContractState())
	contract, err := svc.ConfirmContract(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, gethcrypto.CreateAddress(signer.Address(), 0), contract)

	_, err = svc.AddContractPair(ctx, "alice", "ETH/USD", 8, "ether", 1)
	require.NoError(t, err)

	require.NoError(t, svc.AddPair("alice", "ETH/USD"))
	require.NoError(t, svc.AddPair("alice", "BTC/USD"))
	require.NoError(t, svc.AddPair("alice", "EMPTY/USD"))
	_, err = svc.SyncPrices(ctx, "alice", []string{"ETH/USD", "BTC/USD"}, pipeline.SourceCoinGecko)
	require.NoError(t, err)

	_, err = svc.PushLatest(ctx, "alice", []string{"EMPTY/USD"})
	require.ErrorIs(t, err, oerrors.ErrNoPrice)
	pushHash, err := svc.PushLatest(ctx, "alice", nil)
	require.NoError(t, err)

	txs := f.backend.Transactions()
	last := txs[len(txs)-1]
	require.Equal(t, pushHash, last.Hash())
	args, err := aggregator.ABI.Methods["updateAnswers"].Inputs.Unpack(last.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, args[0])
	assert.Equal(t, []*big.Int{big.NewInt(6000000000000), big.NewInt(210000000000)}, args[2])

	_, err = svc.UpdateAnswers(ctx, "alice", []string{"A"}, []uint64{1}, nil)
	require.ErrorIs(t, err, oerrors.ErrInvalidArgument)

	history, err := svc.RelayHistory(ctx, 10)
	require.NoError(t, err)
	kinds := make([]string, 0, len(history))
	for _, rec := range history {
		kinds = append(kinds, rec.Kind)
		assert.Equal(t, "alice", rec.Caller)
	}
	assert.ElementsMatch(t, []string{journal.KindRegister, journal.KindDeploy, journal.KindAddPair, journal.KindUpdateAnswers}, kinds)
}
