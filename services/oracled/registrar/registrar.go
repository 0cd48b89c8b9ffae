// Package registrar performs the one-time handshake that binds the oracle's
// signing key to its identity on the EVM side.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"evmoracle/core/identity"
	"evmoracle/evmc"
	"evmoracle/observability"
	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/services/oracled/state"
)

// RegistryResolver returns the registration surface of the current EVM peer.
type RegistryResolver func(ctx context.Context) (evmc.Registry, error)

// Options wires a Registrar.
type Options struct {
	Accounts *state.AccountCell
	Registry RegistryResolver
	// Self is the identity the oracle registers as.
	Self    identity.Identity
	Logger  *slog.Logger
	Metrics *observability.OracleMetrics
}

// Registrar stores the self account once the EVM side accepted it.
type Registrar struct {
	accounts *state.AccountCell
	registry RegistryResolver
	self     identity.Identity
	logger   *slog.Logger
	metrics  *observability.OracleMetrics
}

// New validates opts and builds a Registrar.
func New(opts Options) (*Registrar, error) {
	if opts.Accounts == nil {
		return nil, fmt.Errorf("registrar: account cell required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registrar: registry resolver required")
	}
	if opts.Self.IsAnonymous() {
		return nil, fmt.Errorf("registrar: self identity required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		accounts: opts.Accounts,
		registry: opts.Registry,
		self:     opts.Self,
		logger:   logger.With("component", "registrar"),
		metrics:  opts.Metrics,
	}, nil
}

// Register submits tx to the EVM side as the oracle's registration and, once
// accepted, stores signingKey together with the transaction's sender.
func (r *Registrar) Register(ctx context.Context, tx *gethtypes.Transaction, signingKey []byte) error {
	err := r.register(ctx, tx, signingKey)
	switch {
	case err == nil:
		r.metrics.RecordRegistration("registered")
	case errors.Is(err, oerrors.ErrAlreadyRegistered):
		r.metrics.RecordRegistration("already_registered")
	default:
		r.metrics.RecordRegistration("error")
	}
	return err
}

func (r *Registrar) register(ctx context.Context, tx *gethtypes.Transaction, signingKey []byte) error {
	if acc, ok := r.accounts.Get(); ok {
		return oerrors.AlreadyRegistered(acc.Address.Hex())
	}
	keyAddress, err := evmc.AddressFromKey(signingKey)
	if err != nil {
		return err
	}
	sender, err := evmc.RecoverSender(tx)
	if err != nil {
		return err
	}
	if sender != keyAddress {
		return oerrors.InvalidArgument("transaction signed by %s, key controls %s", sender.Hex(), keyAddress.Hex())
	}
	registry, err := r.registry(ctx)
	if err != nil {
		return err
	}
	if err := registry.RegisterAgent(ctx, tx, r.self.String()); err != nil {
		r.logger.Warn("registration rejected", "address", sender.Hex(), "error", err)
		return err
	}
	// Another request may have registered while the call was in flight.
	if err := r.accounts.Set(state.SelfAccount{SigningKey: signingKey, Address: sender}); err != nil {
		return err
	}
	r.logger.Info("self account registered", "address", sender.Hex(), "tx_hash", tx.Hash().Hex())
	return nil
}

// Account returns the registered address.
func (r *Registrar) Account() (common.Address, error) {
	acc, ok := r.accounts.Get()
	if !ok {
		return common.Address{}, oerrors.ErrNotRegistered
	}
	return acc.Address, nil
}

// SigningKey returns the registered key.
func (r *Registrar) SigningKey() ([]byte, error) {
	acc, ok := r.accounts.Get()
	if !ok {
		return nil, oerrors.ErrNotRegistered
	}
	return acc.SigningKey, nil
}
