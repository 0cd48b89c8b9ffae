package aggregator

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evmoracle/evmc"
	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/services/oracled/state"
	"evmoracle/storage"
)

type fakeChain struct {
	mu       sync.Mutex
	nonce    uint64
	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
	block    chan struct{}
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, &oerrors.RemoteError{Method: "eth_getTransactionReceipt", Message: "not found"}
	}
	return receipt, nil
}

type staticKey struct {
	key []byte
	err error
}

func (k staticKey) SigningKey() ([]byte, error) { return k.key, k.err }

func newTestManager(t *testing.T, chain *fakeChain, keys KeySource) *Manager {
	t.Helper()
	cell, err := state.OpenContract(storage.NewMemDB())
	require.NoError(t, err)
	m, err := New(Options{
		Contract: cell,
		Chain:    func(context.Context) (evmc.Chain, error) { return chain, nil },
		Keys:     keys,
		Bytecode: []byte{0x60, 0x80, 0x60, 0x40},
		ChainID:  big.NewInt(355113),
	})
	require.NoError(t, err)
	return m
}

func newKey(t *testing.T) []byte {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	return gethcrypto.FromECDSA(key)
}

func TestLifecycle(t *testing.T) {
	chain := &fakeChain{receipts: map[common.Hash]*gethtypes.Receipt{}}
	m := newTestManager(t, chain, staticKey{key: newKey(t)})
	ctx := context.Background()

	_, err := m.ConfirmContractAddress(ctx)
	require.ErrorIs(t, err, oerrors.ErrNotInitialized)
	_, err = m.Contract()
	require.ErrorIs(t, err, oerrors.ErrContractNotDeployed)
	_, err = m.AddPair(ctx, "ETH/USD", uint256.NewInt(8), "eth", uint256.NewInt(1))
	require.ErrorIs(t, err, oerrors.ErrContractNotDeployed)

	hash, err := m.InitContract(ctx)
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)
	assert.Nil(t, chain.sent[0].To(), "deployment must create a contract")
	assert.Equal(t, state.DeployPending{TxHash: hash}, m.State())

	_, err = m.InitContract(ctx)
	require.ErrorIs(t, err, oerrors.ErrAlreadyInitialized)

	_, err = m.ConfirmContractAddress(ctx)
	require.ErrorIs(t, err, oerrors.ErrRemoteCallFailed)
	assert.Equal(t, state.DeployPending{TxHash: hash}, m.State())

	deployed := common.HexToAddress("0x0000000000000000000000000000000000001234")
	chain.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, ContractAddress: deployed}
	addr, err := m.ConfirmContractAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, deployed, addr)
	again, err := m.ConfirmContractAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, deployed, again)

	_, err = m.InitContract(ctx)
	require.ErrorIs(t, err, oerrors.ErrAlreadyInitialized)

	_, err = m.AddPair(ctx, "ETH/USD", uint256.NewInt(8), "ether", uint256.NewInt(1))
	require.NoError(t, err)
	call := chain.sent[len(chain.sent)-1]
	require.Equal(t, &deployed, call.To())
	args, err := ABI.Methods["addPair"].Inputs.Unpack(call.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "ETH/USD", args[0])
	assert.Equal(t, big.NewInt(8), args[1])
	assert.Equal(t, "ether", args[2])

	_, err = m.UpdateAnswers(ctx, []string{"ETH/USD", "BTC/USD"}, []uint64{1, 2}, []uint64{100, 200})
	require.NoError(t, err)
	call = chain.sent[len(chain.sent)-1]
	args, err = ABI.Methods["updateAnswers"].Inputs.Unpack(call.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH/USD", "BTC/USD"}, args[0])
	assert.Equal(t, []*big.Int{big.NewInt(100), big.NewInt(200)}, args[2])

	nonces := make([]uint64, 0, len(chain.sent))
	for _, tx := range chain.sent {
		nonces = append(nonces, tx.Nonce())
	}
	assert.Equal(t, []uint64{0, 1, 2}, nonces)
}

func TestRevertedDeploymentStaysPending(t *testing.T) {
	chain := &fakeChain{receipts: map[common.Hash]*gethtypes.Receipt{}}
	m := newTestManager(t, chain, staticKey{key: newKey(t)})
	hash, err := m.InitContract(context.Background())
	require.NoError(t, err)
	chain.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed}
	_, err = m.ConfirmContractAddress(context.Background())
	require.ErrorIs(t, err, oerrors.ErrRemoteCallFailed)
	assert.Equal(t, state.DeployPending{TxHash: hash}, m.State())
}

func TestUpdateAnswersLengthMismatchMakesNoCall(t *testing.T) {
	chain := &fakeChain{receipts: map[common.Hash]*gethtypes.Receipt{}}
	m := newTestManager(t, chain, staticKey{key: newKey(t)})
	_, err := m.UpdateAnswers(context.Background(), []string{"A"}, []uint64{1, 2}, []uint64{1})
	require.ErrorIs(t, err, oerrors.ErrInvalidArgument)
	assert.Empty(t, chain.sent)
}

func TestInitContractRequiresRegistration(t *testing.T) {
	chain := &fakeChain{}
	m := newTestManager(t, chain, staticKey{err: oerrors.ErrNotRegistered})
	_, err := m.InitContract(context.Background())
	require.ErrorIs(t, err, oerrors.ErrNotRegistered)
	assert.Equal(t, state.Uninitialized{}, m.State())
	// The in-flight guard is released after a failure.
	_, err = m.InitContract(context.Background())
	require.ErrorIs(t, err, oerrors.ErrNotRegistered)
}

func TestConcurrentDeploySubmitsOnce(t *testing.T) {
	chain := &fakeChain{block: make(chan struct{})}
	m := newTestManager(t, chain, staticKey{key: newKey(t)})

	first := make(chan error, 1)
	go func() {
		_, err := m.InitContract(context.Background())
		first <- err
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.deploying
	}, time.Second, time.Millisecond)

	_, err := m.InitContract(context.Background())
	require.ErrorIs(t, err, oerrors.ErrAlreadyInitialized)
	close(chain.block)
	require.NoError(t, <-first)
	assert.Len(t, chain.sent, 1)
}
