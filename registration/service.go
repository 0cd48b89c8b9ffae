// Package registration drives the handshake that registers an operator's
// wallet with the EVM side so it can relay for a registrant.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"evmoracle/core/identity"
	"evmoracle/crypto"
	"evmoracle/evmc"
	oerrors "evmoracle/services/oracled/errors"
)

// RegistrationGas is the gas limit of the fee payment transaction.
const RegistrationGas uint64 = 53000

// DefaultChainID is the chain id of the EVM side unless overridden.
const DefaultChainID int64 = 355113

// Options configures a Service.
type Options struct {
	Registry   evmc.Registry
	Wallet     *crypto.PrivateKey
	ChainID    *big.Int
	Registrant string
	Operator   identity.Identity
	// AmountToMint, when set, is minted to the wallet before registering.
	// Only testnets accept the mint call.
	AmountToMint *uint256.Int
	Logger       *slog.Logger
}

// Service registers one wallet for one registrant.
type Service struct {
	registry   evmc.Registry
	wallet     *crypto.PrivateKey
	signer     *evmc.Signer
	registrant string
	operator   identity.Identity
	mint       *uint256.Int
	info       evmc.RegistrationInfo
	logger     *slog.Logger
}

// New validates opts and fetches the minter address and registration fee.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registration: registry required")
	}
	if opts.Wallet == nil {
		return nil, fmt.Errorf("registration: wallet required")
	}
	registrant := strings.TrimSpace(opts.Registrant)
	if registrant == "" {
		return nil, fmt.Errorf("registration: registrant required")
	}
	chainID := opts.ChainID
	if chainID == nil {
		chainID = big.NewInt(DefaultChainID)
	}
	signer, err := evmc.NewSigner(opts.Wallet.Bytes(), chainID)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registration")

	logger.Info("collecting registration info")
	info, err := opts.Registry.RegistrationInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCouldNotGetRegistrationInfo, err)
	}
	logger.Info("registration service initialized",
		slog.String("minter", info.MinterAddress.Hex()),
		slog.String("fee", info.RegistrationFee.Dec()))

	return &Service{
		registry:   opts.Registry,
		wallet:     opts.Wallet,
		signer:     signer,
		registrant: registrant,
		operator:   opts.Operator,
		mint:       opts.AmountToMint,
		info:       info,
		logger:     logger,
	}, nil
}

// Info returns the registration parameters fetched by New.
func (s *Service) Info() evmc.RegistrationInfo { return s.info }

// Address is the wallet address being registered.
func (s *Service) Address() common.Address { return s.signer.Address() }

// Register pays the registration fee and asks the EVM side to bind the wallet
// to the registrant, then verifies the binding. A wallet that is already
// registered yields an AlreadyRegisteredError.
func (s *Service) Register(ctx context.Context) error {
	if err := s.registerAgent(ctx); err != nil {
		return err
	}
	return s.verify(ctx)
}

func (s *Service) registerAgent(ctx context.Context) error {
	address := s.Address()
	logger := s.logger.With(slog.String("address", address.Hex()), slog.String("caller", string(s.operator)))
	logger.Info("checking registration status")
	registered, err := s.registry.IsAddressRegistered(ctx, address, s.registrant)
	if err != nil {
		var remote *oerrors.RemoteError
		if errors.As(err, &remote) {
			return err
		}
		return &StatusCheckError{Address: address, Operator: s.operator, Err: err}
	}
	if registered {
		logger.Info("agent is already registered")
		return &AlreadyRegisteredError{Operator: s.operator}
	}

	account, err := s.registry.AccountBasic(ctx, address)
	if err != nil {
		return err
	}
	if !account.Nonce.IsUint64() {
		return fmt.Errorf("registration: nonce %s out of range", account.Nonce.Dec())
	}
	nonce := account.Nonce.Uint64()
	minter := s.info.MinterAddress
	logger.Info("creating registration transaction",
		slog.String("to", minter.Hex()),
		slog.String("value", s.info.RegistrationFee.Dec()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", RegistrationGas))
	tx, err := s.signer.SignLegacy(nonce, &minter, s.info.RegistrationFee.ToBig(), RegistrationGas, new(big.Int), nil)
	if err != nil {
		return err
	}

	if s.mint != nil {
		logger.Info("minting native tokens", slog.String("amount", s.mint.Dec()))
		if err := s.registry.MintNativeTokens(ctx, address, s.mint); err != nil {
			return err
		}
	}

	if err := s.registry.RegisterAgent(ctx, tx, s.registrant); err != nil {
		return err
	}
	logger.Info("agent registered", slog.String("tx_hash", tx.Hash().Hex()))
	return nil
}

func (s *Service) verify(ctx context.Context) error {
	s.logger.Info("verifying registration")
	if err := s.registry.VerifyRegistration(ctx, s.wallet.Bytes(), s.registrant); err != nil {
		return err
	}
	s.logger.Info("registration verified")
	return nil
}
