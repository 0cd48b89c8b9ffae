package evmc

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evmoracle/core/identity"
	oerrors "evmoracle/services/oracled/errors"
)

type evmcService struct {
	mu         sync.Mutex
	registered map[string]bool
	minted     map[common.Address]*big.Int
}

func (s *evmcService) RegisterIcAgent(raw hexutil.Bytes, registrant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered[registrant] {
		return errors.New("agent already registered")
	}
	if _, err := DecodeTransaction(raw); err != nil {
		return err
	}
	s.registered[registrant] = true
	return nil
}

func (s *evmcService) IsAddressRegistered(addr common.Address, registrant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered[registrant]
}

func (s *evmcService) MintNativeTokens(to common.Address, amount *hexutil.Big) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minted[to] = (*big.Int)(amount)
	return nil
}

func (s *evmcService) AccountBasic(addr common.Address) basicAccountJSON {
	return basicAccountJSON{Balance: (*hexutil.Big)(big.NewInt(1000)), Nonce: (*hexutil.Big)(big.NewInt(7))}
}

func (s *evmcService) RegistrationIcAgentInfo() registrationInfoJSON {
	return registrationInfoJSON{
		MinterAddress:   common.HexToAddress("0x00000000000000000000000000000000000000ff"),
		RegistrationFee: (*hexutil.Big)(big.NewInt(100)),
	}
}

type ethService struct {
	mu    sync.Mutex
	nonce uint64
	sent  []*gethtypes.Transaction
}

func (s *ethService) GetTransactionCount(addr common.Address, block string) hexutil.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hexutil.Uint64(s.nonce)
}

func (s *ethService) GasPrice() *hexutil.Big { return (*hexutil.Big)(big.NewInt(5)) }

func (s *ethService) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	tx, err := DecodeTransaction(raw)
	if err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, tx)
	s.nonce++
	return tx.Hash(), nil
}

func (s *ethService) GetTransactionReceipt(hash common.Hash) *gethtypes.Receipt {
	return nil
}

func newTestClient(t *testing.T) (*Client, *evmcService, *ethService) {
	t.Helper()
	evmcSvc := &evmcService{registered: map[string]bool{}, minted: map[common.Address]*big.Int{}}
	ethSvc := &ethService{}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("evmc", evmcSvc))
	require.NoError(t, server.RegisterName("eth", ethSvc))
	client := NewClient(rpc.DialInProc(server))
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	return client, evmcSvc, ethSvc
}

func TestRegistrationMethods(t *testing.T) {
	client, evmcSvc, _ := newTestClient(t)
	ctx := context.Background()

	info, err := client.RegistrationInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xff"), info.MinterAddress)
	assert.Equal(t, uint256.NewInt(100), info.RegistrationFee)

	acc, err := client.AccountBasic(ctx, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), acc.Nonce.Uint64())
	assert.Equal(t, uint64(1000), acc.Balance.Uint64())

	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(gethcrypto.FromECDSA(key), big.NewInt(355113))
	require.NoError(t, err)
	to := info.MinterAddress
	tx, err := signer.SignLegacy(acc.Nonce.Uint64(), &to, info.RegistrationFee.ToBig(), 53000, big.NewInt(0), nil)
	require.NoError(t, err)

	registered, err := client.IsAddressRegistered(ctx, signer.Address(), "oracle")
	require.NoError(t, err)
	assert.False(t, registered)

	require.NoError(t, client.RegisterAgent(ctx, tx, "oracle"))
	err = client.RegisterAgent(ctx, tx, "oracle")
	require.ErrorIs(t, err, oerrors.ErrRemoteCallFailed)
	var remote *oerrors.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, MethodRegisterAgent, remote.Method)
	assert.Contains(t, remote.Message, "already registered")

	registered, err = client.IsAddressRegistered(ctx, signer.Address(), "oracle")
	require.NoError(t, err)
	assert.True(t, registered)

	require.NoError(t, client.MintNativeTokens(ctx, signer.Address(), uint256.NewInt(42)))
	assert.Equal(t, big.NewInt(42), evmcSvc.minted[signer.Address()])
}

func TestSenderAssignsConsecutiveNonces(t *testing.T) {
	client, _, ethSvc := newTestClient(t)
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(gethcrypto.FromECDSA(key), big.NewInt(1))
	require.NoError(t, err)
	sender := NewSender(nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sender.Send(context.Background(), client, signer, nil, []byte{0x60, 0x00}, 100000)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, ethSvc.sent, 4)
	seen := map[uint64]bool{}
	for _, tx := range ethSvc.sent {
		seen[tx.Nonce()] = true
		assert.Equal(t, big.NewInt(5), tx.GasPrice())
		from, err := RecoverSender(tx)
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), from)
	}
	assert.Len(t, seen, 4)
}

func TestReceiptNotFound(t *testing.T) {
	client, _, _ := newTestClient(t)
	_, err := client.TransactionReceipt(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, oerrors.ErrRemoteCallFailed)
}

func TestPoolCachesClients(t *testing.T) {
	dials := 0
	pool := NewPool(func(ctx context.Context, endpoint string) (*Client, error) {
		dials++
		return NewClient(rpc.DialInProc(rpc.NewServer())), nil
	})
	defer pool.Close()

	_, err := pool.Get(context.Background(), identity.Anonymous)
	require.ErrorIs(t, err, oerrors.ErrInvalidArgument)

	a, err := pool.Get(context.Background(), "http://evm:8545")
	require.NoError(t, err)
	b, err := pool.Get(context.Background(), "http://evm:8545")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, dials)
}

func TestSignerRejectsBadInput(t *testing.T) {
	_, err := NewSigner([]byte{1, 2, 3}, big.NewInt(1))
	require.ErrorIs(t, err, oerrors.ErrInvalidArgument)
	key, _ := gethcrypto.GenerateKey()
	_, err = NewSigner(gethcrypto.FromECDSA(key), big.NewInt(0))
	require.ErrorIs(t, err, oerrors.ErrInvalidArgument)
	_, err = DecodeTransaction([]byte{0xde, 0xad})
	require.ErrorIs(t, err, oerrors.ErrInvalidArgument)
}
