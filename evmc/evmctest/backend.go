// Package evmctest provides an in-process EVM side for tests: the standard
// eth_* relay methods plus the evmc_* registration namespace, served by a
// go-ethereum RPC server.
package evmctest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"evmoracle/evmc"
)

// Backend is an in-memory EVM side.
type Backend struct {
	mu         sync.Mutex
	server     *rpc.Server
	minter     common.Address
	fee        *big.Int
	nonces     map[common.Address]uint64
	balances   map[common.Address]*big.Int
	sent       []*gethtypes.Transaction
	receipts   map[common.Hash]*gethtypes.Receipt
	registered map[string]common.Address

	// RevertDeployments makes contract creations fail on chain.
	RevertDeployments bool
}

// New starts a backend charging fee to register.
func New(fee int64) *Backend {
	b := &Backend{
		minter:     common.HexToAddress("0x00000000000000000000000000000000000000ff"),
		fee:        big.NewInt(fee),
		nonces:     make(map[common.Address]uint64),
		balances:   make(map[common.Address]*big.Int),
		receipts:   make(map[common.Hash]*gethtypes.Receipt),
		registered: make(map[string]common.Address),
	}
	b.server = rpc.NewServer()
	if err := b.server.RegisterName("eth", &ethAPI{b: b}); err != nil {
		panic(err)
	}
	if err := b.server.RegisterName("evmc", &evmcAPI{b: b}); err != nil {
		panic(err)
	}
	return b
}

// Minter is the address registration fees are paid to.
func (b *Backend) Minter() common.Address { return b.minter }

// Client returns a client connected in-process.
func (b *Backend) Client() *evmc.Client {
	return evmc.NewClient(rpc.DialInProc(b.server))
}

// Dial matches evmc.DialFunc.
func (b *Backend) Dial(ctx context.Context, endpoint string) (*evmc.Client, error) {
	return b.Client(), nil
}

// Close stops the RPC server.
func (b *Backend) Close() { b.server.Stop() }

// Transactions returns every accepted transaction in submission order.
func (b *Backend) Transactions() []*gethtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*gethtypes.Transaction(nil), b.sent...)
}

// Registered returns the address registered for registrant.
func (b *Backend) Registered(registrant string) (common.Address, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr, ok := b.registered[registrant]
	return addr, ok
}

// Balance returns the minted balance of addr.
func (b *Backend) Balance(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

type ethAPI struct{ b *Backend }

func (api *ethAPI) GetTransactionCount(addr common.Address, block string) hexutil.Uint64 {
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	return hexutil.Uint64(api.b.nonces[addr])
}

func (api *ethAPI) GasPrice() *hexutil.Big { return (*hexutil.Big)(big.NewInt(1)) }

func (api *ethAPI) ChainId() *hexutil.Big { return (*hexutil.Big)(big.NewInt(355113)) }

func (api *ethAPI) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	tx, err := evmc.DecodeTransaction(raw)
	if err != nil {
		return common.Hash{}, err
	}
	from, err := evmc.RecoverSender(tx)
	if err != nil {
		return common.Hash{}, err
	}
	b := api.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if tx.Nonce() != b.nonces[from] {
		return common.Hash{}, fmt.Errorf("nonce mismatch: have %d want %d", tx.Nonce(), b.nonces[from])
	}
	receipt := &gethtypes.Receipt{
		Type:              tx.Type(),
		Status:            gethtypes.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		Logs:              []*gethtypes.Log{},
		TxHash:            tx.Hash(),
		GasUsed:           21000,
		BlockNumber:       big.NewInt(int64(len(b.sent) + 1)),
	}
	if tx.To() == nil {
		if b.RevertDeployments {
			receipt.Status = gethtypes.ReceiptStatusFailed
		} else {
			receipt.ContractAddress = gethcrypto.CreateAddress(from, tx.Nonce())
		}
	}
	b.nonces[from]++
	b.sent = append(b.sent, tx)
	b.receipts[tx.Hash()] = receipt
	return tx.Hash(), nil
}

func (api *ethAPI) GetTransactionReceipt(hash common.Hash) *gethtypes.Receipt {
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	return api.b.receipts[hash]
}

type evmcAPI struct{ b *Backend }

type registrationInfo struct {
	MinterAddress   common.Address `json:"minterAddress"`
	RegistrationFee *hexutil.Big   `json:"registrationFee"`
}

type basicAccount struct {
	Balance *hexutil.Big `json:"balance"`
	Nonce   *hexutil.Big `json:"nonce"`
}

func (api *evmcAPI) RegistrationIcAgentInfo() registrationInfo {
	return registrationInfo{MinterAddress: api.b.minter, RegistrationFee: (*hexutil.Big)(new(big.Int).Set(api.b.fee))}
}

func (api *evmcAPI) AccountBasic(addr common.Address) basicAccount {
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	balance := new(big.Int)
	if bal, ok := api.b.balances[addr]; ok {
		balance.Set(bal)
	}
	nonce := new(big.Int).SetUint64(api.b.nonces[addr])
	return basicAccount{Balance: (*hexutil.Big)(balance), Nonce: (*hexutil.Big)(nonce)}
}

func (api *evmcAPI) MintNativeTokens(to common.Address, amount *hexutil.Big) error {
	if amount == nil {
		return errors.New("amount required")
	}
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	bal, ok := api.b.balances[to]
	if !ok {
		bal = new(big.Int)
		api.b.balances[to] = bal
	}
	bal.Add(bal, (*big.Int)(amount))
	return nil
}

func (api *evmcAPI) RegisterIcAgent(raw hexutil.Bytes, registrant string) error {
	tx, err := evmc.DecodeTransaction(raw)
	if err != nil {
		return err
	}
	from, err := evmc.RecoverSender(tx)
	if err != nil {
		return err
	}
	b := api.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.registered[registrant]; ok {
		return fmt.Errorf("agent %s already registered", registrant)
	}
	if tx.To() == nil || *tx.To() != b.minter {
		return errors.New("registration must pay the minter")
	}
	if tx.Value().Cmp(b.fee) < 0 {
		return fmt.Errorf("registration fee %s below %s", tx.Value(), b.fee)
	}
	b.registered[registrant] = from
	return nil
}

func (api *evmcAPI) VerifyRegistration(key hexutil.Bytes, registrant string) error {
	addr, err := evmc.AddressFromKey(key)
	if err != nil {
		return err
	}
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	if registered, ok := api.b.registered[registrant]; !ok || registered != addr {
		return errors.New("registration not found")
	}
	return nil
}

func (api *evmcAPI) IsAddressRegistered(addr common.Address, registrant string) bool {
	api.b.mu.Lock()
	defer api.b.mu.Unlock()
	registered, ok := api.b.registered[registrant]
	return ok && registered == addr
}
