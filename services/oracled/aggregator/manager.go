// Package aggregator drives the AggregatorSingle contract on the EVM side
// through deployment, confirmation and price updates.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"evmoracle/evmc"
	"evmoracle/observability"
	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/services/oracled/state"
)

// Default gas limits for relay transactions.
const (
	DefaultDeployGas uint64 = 3_000_000
	DefaultCallGas   uint64 = 1_000_000
)

// ChainResolver returns the relay surface of the current EVM peer.
type ChainResolver func(ctx context.Context) (evmc.Chain, error)

// KeySource yields the registered signing key.
type KeySource interface {
	SigningKey() ([]byte, error)
}

// Options wires a Manager.
type Options struct {
	Contract  *state.ContractCell
	Chain     ChainResolver
	Keys      KeySource
	Bytecode  []byte
	ChainID   *big.Int
	Sender    *evmc.Sender
	DeployGas uint64
	CallGas   uint64
	Logger    *slog.Logger
	Metrics   *observability.OracleMetrics
}

// Manager owns the aggregator contract lifecycle.
type Manager struct {
	mu        sync.Mutex
	deploying bool

	contract  *state.ContractCell
	chain     ChainResolver
	keys      KeySource
	bytecode  []byte
	chainID   *big.Int
	sender    *evmc.Sender
	deployGas uint64
	callGas   uint64
	logger    *slog.Logger
	metrics   *observability.OracleMetrics
}

// New validates opts and builds a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Contract == nil {
		return nil, fmt.Errorf("aggregator: contract cell required")
	}
	if opts.Chain == nil {
		return nil, fmt.Errorf("aggregator: chain resolver required")
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("aggregator: key source required")
	}
	if opts.ChainID == nil || opts.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("aggregator: chain id required")
	}
	if opts.Sender == nil {
		opts.Sender = evmc.NewSender(nil)
	}
	if opts.DeployGas == 0 {
		opts.DeployGas = DefaultDeployGas
	}
	if opts.CallGas == 0 {
		opts.CallGas = DefaultCallGas
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		contract:  opts.Contract,
		chain:     opts.Chain,
		keys:      opts.Keys,
		bytecode:  append([]byte(nil), opts.Bytecode...),
		chainID:   new(big.Int).Set(opts.ChainID),
		sender:    opts.Sender,
		deployGas: opts.DeployGas,
		callGas:   opts.CallGas,
		logger:    logger.With("component", "aggregator"),
		metrics:   opts.Metrics,
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() state.ContractState { return m.contract.Get() }

// InitContract submits the deployment transaction. It may only run once.
func (m *Manager) InitContract(ctx context.Context) (common.Hash, error) {
	m.mu.Lock()
	if _, ok := m.contract.Get().(state.Uninitialized); !ok || m.deploying {
		m.mu.Unlock()
		return common.Hash{}, oerrors.ErrAlreadyInitialized
	}
	m.deploying = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.deploying = false
		m.mu.Unlock()
	}()

	if len(m.bytecode) == 0 {
		return common.Hash{}, oerrors.InvalidArgument("aggregator bytecode not configured")
	}
	tx, err := m.send(ctx, "deploy", nil, m.bytecode, m.deployGas)
	if err != nil {
		return common.Hash{}, err
	}
	if err := m.contract.Advance(state.DeployPending{TxHash: tx.Hash()}); err != nil {
		return common.Hash{}, err
	}
	m.logger.Info("aggregator deployment submitted", "tx_hash", tx.Hash().Hex())
	return tx.Hash(), nil
}

// ConfirmContractAddress reads the deployment receipt and records the
// contract address.
func (m *Manager) ConfirmContractAddress(ctx context.Context) (common.Address, error) {
	var pending state.DeployPending
	switch current := m.contract.Get().(type) {
	case state.Uninitialized:
		return common.Address{}, oerrors.ErrNotInitialized
	case state.Confirmed:
		return current.Address, nil
	case state.DeployPending:
		pending = current
	}
	chain, err := m.chain(ctx)
	if err != nil {
		return common.Address{}, err
	}
	receipt, err := chain.TransactionReceipt(ctx, pending.TxHash)
	if err != nil {
		return common.Address{}, err
	}
	if receipt == nil {
		return common.Address{}, &oerrors.RemoteError{Method: "eth_getTransactionReceipt", Message: "receipt missing"}
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return common.Address{}, &oerrors.RemoteError{Method: "eth_getTransactionReceipt", Message: fmt.Sprintf("deployment %s reverted", pending.TxHash.Hex())}
	}
	if receipt.ContractAddress == (common.Address{}) {
		return common.Address{}, &oerrors.RemoteError{Method: "eth_getTransactionReceipt", Message: "receipt carries no contract address"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent confirmation may have finished first.
	if confirmed, ok := m.contract.Get().(state.Confirmed); ok {
		return confirmed.Address, nil
	}
	if err := m.contract.Advance(state.Confirmed{TxHash: pending.TxHash, Address: receipt.ContractAddress}); err != nil {
		return common.Address{}, err
	}
	m.logger.Info("aggregator deployment confirmed", "address", receipt.ContractAddress.Hex())
	return receipt.ContractAddress, nil
}

// Contract returns the confirmed contract address.
func (m *Manager) Contract() (common.Address, error) {
	confirmed, ok := m.contract.Get().(state.Confirmed)
	if !ok {
		return common.Address{}, oerrors.ErrContractNotDeployed
	}
	return confirmed.Address, nil
}

// AddPair registers a pair with the contract.
func (m *Manager) AddPair(ctx context.Context, pair string, decimals *uint256.Int, description string, version *uint256.Int) (common.Hash, error) {
	address, err := m.Contract()
	if err != nil {
		return common.Hash{}, err
	}
	if pair == "" {
		return common.Hash{}, oerrors.InvalidArgument("pair name required")
	}
	if decimals == nil || version == nil {
		return common.Hash{}, oerrors.InvalidArgument("decimal and version required")
	}
	data, err := ABI.Pack("addPair", pair, decimals.ToBig(), description, version.ToBig())
	if err != nil {
		return common.Hash{}, oerrors.InvalidArgument("encode addPair: %v", err)
	}
	tx, err := m.send(ctx, "add_pair", &address, data, m.callGas)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// UpdateAnswers pushes one batch of prices. The slices must be parallel.
func (m *Manager) UpdateAnswers(ctx context.Context, pairs []string, timestamps, prices []uint64) (common.Hash, error) {
	if len(pairs) != len(timestamps) || len(pairs) != len(prices) {
		return common.Hash{}, oerrors.InvalidArgument("pairs, timestamps and prices differ in length (%d, %d, %d)", len(pairs), len(timestamps), len(prices))
	}
	address, err := m.Contract()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := ABI.Pack("updateAnswers", pairs, toBigs(timestamps), toBigs(prices))
	if err != nil {
		return common.Hash{}, oerrors.InvalidArgument("encode updateAnswers: %v", err)
	}
	tx, err := m.send(ctx, "update_answers", &address, data, m.callGas)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (m *Manager) send(ctx context.Context, kind string, to *common.Address, data []byte, gas uint64) (*gethtypes.Transaction, error) {
	ctx, span := otel.Tracer("evmoracle/aggregator").Start(ctx, "aggregator."+kind)
	defer span.End()

	tx, err := m.sign(ctx, to, data, gas)
	m.metrics.RecordRelay(kind, err)
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("relay transaction failed", "kind", kind, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("tx_hash", tx.Hash().Hex()))
	return tx, nil
}

func (m *Manager) sign(ctx context.Context, to *common.Address, data []byte, gas uint64) (*gethtypes.Transaction, error) {
	key, err := m.keys.SigningKey()
	if err != nil {
		return nil, err
	}
	signer, err := evmc.NewSigner(key, m.chainID)
	if err != nil {
		return nil, err
	}
	chain, err := m.chain(ctx)
	if err != nil {
		return nil, err
	}
	return m.sender.Send(ctx, chain, signer, to, data, gas)
}

func toBigs(values []uint64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = new(big.Int).SetUint64(v)
	}
	return out
}
