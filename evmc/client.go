// Package evmc talks to the EVM side over JSON-RPC. Besides the standard eth_*
// methods the EVM side exposes an evmc_* namespace used to register the
// oracle's signing identity and to fund accounts on test networks.
package evmc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	oerrors "evmoracle/services/oracled/errors"
)

// Custom methods served by the EVM side.
const (
	MethodRegisterAgent         = "evmc_registerIcAgent"
	MethodVerifyRegistration    = "evmc_verifyRegistration"
	MethodIsAddressRegistered   = "evmc_isAddressRegistered"
	MethodMintNativeTokens      = "evmc_mintNativeTokens"
	MethodAccountBasic          = "evmc_accountBasic"
	MethodRegistrationAgentInfo = "evmc_registrationIcAgentInfo"
)

// RegistrationInfo describes where and how much to pay to register.
type RegistrationInfo struct {
	MinterAddress   common.Address
	RegistrationFee *uint256.Int
}

// BasicAccount is the balance and nonce of an account.
type BasicAccount struct {
	Balance *uint256.Int
	Nonce   *uint256.Int
}

// Chain is the subset of the Ethereum RPC used to relay transactions.
type Chain interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Registry is the registration surface of the EVM side.
type Registry interface {
	RegisterAgent(ctx context.Context, tx *gethtypes.Transaction, registrant string) error
	VerifyRegistration(ctx context.Context, signingKey []byte, registrant string) error
	IsAddressRegistered(ctx context.Context, address common.Address, registrant string) (bool, error)
	MintNativeTokens(ctx context.Context, to common.Address, amount *uint256.Int) error
	AccountBasic(ctx context.Context, address common.Address) (BasicAccount, error)
	RegistrationInfo(ctx context.Context) (RegistrationInfo, error)
}

// Client implements Chain and Registry over one JSON-RPC connection.
type Client struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

var (
	_ Chain    = (*Client)(nil)
	_ Registry = (*Client)(nil)
)

// Dial connects to the EVM side at endpoint.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, oerrors.InvalidArgument("evm endpoint required")
	}
	rc, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, oerrors.Remote("dial", err)
	}
	return NewClient(rc), nil
}

// NewClient wraps an established RPC client.
func NewClient(rc *rpc.Client) *Client {
	return &Client{rpc: rc, eth: ethclient.NewClient(rc)}
}

// Close releases the underlying connection.
func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, account)
	return nonce, oerrors.Remote("eth_getTransactionCount", err)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	return price, oerrors.Remote("eth_gasPrice", err)
}

func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return oerrors.Remote("eth_sendRawTransaction", c.eth.SendTransaction(ctx, tx))
}

// TransactionReceipt returns the receipt for txHash. A receipt that is not yet
// available is reported as ethereum.NotFound wrapped in a RemoteError.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, &oerrors.RemoteError{Method: "eth_getTransactionReceipt", Message: "receipt not found", Err: err}
		}
		return nil, oerrors.Remote("eth_getTransactionReceipt", err)
	}
	return receipt, nil
}

func (c *Client) RegisterAgent(ctx context.Context, tx *gethtypes.Transaction, registrant string) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return oerrors.Internal("encode registration transaction: %v", err)
	}
	return oerrors.Remote(MethodRegisterAgent, c.rpc.CallContext(ctx, nil, MethodRegisterAgent, hexutil.Bytes(raw), registrant))
}

func (c *Client) VerifyRegistration(ctx context.Context, signingKey []byte, registrant string) error {
	return oerrors.Remote(MethodVerifyRegistration, c.rpc.CallContext(ctx, nil, MethodVerifyRegistration, hexutil.Bytes(signingKey), registrant))
}

func (c *Client) IsAddressRegistered(ctx context.Context, address common.Address, registrant string) (bool, error) {
	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, MethodIsAddressRegistered, address, registrant); err != nil {
		return false, oerrors.Remote(MethodIsAddressRegistered, err)
	}
	var registered bool
	if err := json.Unmarshal(raw, &registered); err != nil {
		return false, fmt.Errorf("decode %s reply: %w", MethodIsAddressRegistered, err)
	}
	return registered, nil
}

func (c *Client) MintNativeTokens(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return oerrors.InvalidArgument("mint amount required")
	}
	return oerrors.Remote(MethodMintNativeTokens, c.rpc.CallContext(ctx, nil, MethodMintNativeTokens, to, (*hexutil.Big)(amount.ToBig())))
}

type basicAccountJSON struct {
	Balance *hexutil.Big `json:"balance"`
	Nonce   *hexutil.Big `json:"nonce"`
}

func (c *Client) AccountBasic(ctx context.Context, address common.Address) (BasicAccount, error) {
	var out basicAccountJSON
	if err := c.rpc.CallContext(ctx, &out, MethodAccountBasic, address); err != nil {
		return BasicAccount{}, oerrors.Remote(MethodAccountBasic, err)
	}
	balance, err := toU256("balance", out.Balance)
	if err != nil {
		return BasicAccount{}, err
	}
	nonce, err := toU256("nonce", out.Nonce)
	if err != nil {
		return BasicAccount{}, err
	}
	return BasicAccount{Balance: balance, Nonce: nonce}, nil
}

type registrationInfoJSON struct {
	MinterAddress   common.Address `json:"minterAddress"`
	RegistrationFee *hexutil.Big   `json:"registrationFee"`
}

func (c *Client) RegistrationInfo(ctx context.Context) (RegistrationInfo, error) {
	var out registrationInfoJSON
	if err := c.rpc.CallContext(ctx, &out, MethodRegistrationAgentInfo); err != nil {
		return RegistrationInfo{}, oerrors.Remote(MethodRegistrationAgentInfo, err)
	}
	fee, err := toU256("registrationFee", out.RegistrationFee)
	if err != nil {
		return RegistrationInfo{}, err
	}
	return RegistrationInfo{MinterAddress: out.MinterAddress, RegistrationFee: fee}, nil
}

func toU256(field string, value *hexutil.Big) (*uint256.Int, error) {
	if value == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig((*big.Int)(value))
	if overflow {
		return nil, &oerrors.RemoteError{Method: field, Message: fmt.Sprintf("%s overflows 256 bits", field), Err: oerrors.ErrInvalidArgument}
	}
	return out, nil
}
