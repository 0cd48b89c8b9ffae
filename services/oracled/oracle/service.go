// Package oracle is the composition root of the oracle daemon. Service owns
// every stateful component and exposes the externally callable operations,
// each taking the identity of the caller.
package oracle

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
	"evmoracle/evmc"
	"evmoracle/observability"
	"evmoracle/services/oracled/aggregator"
	"evmoracle/services/oracled/auth"
	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/services/oracled/journal"
	"evmoracle/services/oracled/pipeline"
	"evmoracle/services/oracled/registrar"
	"evmoracle/services/oracled/state"
	"evmoracle/services/oracled/timeseries"
	"evmoracle/storage"
)

// Options wires a Service.
type Options struct {
	DB       storage.Database
	Capacity int

	// InitialSettings is persisted only when no settings exist yet.
	InitialSettings state.Settings

	Self     identity.Identity
	Pool     *evmc.Pool
	ChainID  *big.Int
	GasPrice *big.Int
	Bytecode []byte

	Spot     pipeline.SpotSource
	Batch    pipeline.BatchSource
	Decimals int32

	Journal *journal.Journal
	Logger  *slog.Logger
	Metrics *observability.OracleMetrics
}

// Service implements the oracle's entry points.
type Service struct {
	settings   *state.SettingsCell
	gate       *auth.Gate
	store      *timeseries.Store
	pipeline   *pipeline.Pipeline
	registrar  *registrar.Registrar
	aggregator *aggregator.Manager
	journal    *journal.Journal
	logger     *slog.Logger
}

// New loads all durable state from opts.DB and builds the components.
func New(opts Options) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("oracle: database required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("oracle: evm client pool required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings, err := state.OpenSettings(opts.DB)
	if err != nil {
		return nil, err
	}
	if !settings.Initialized() {
		initial := opts.InitialSettings
		if initial.Owner == "" {
			initial.Owner = identity.Anonymous
		}
		if initial.EVMPeer == "" {
			initial.EVMPeer = identity.Anonymous
		}
		if err := settings.Reset(initial); err != nil {
			return nil, err
		}
	}
	accounts, err := state.OpenAccount(opts.DB)
	if err != nil {
		return nil, err
	}
	contract, err := state.OpenContract(opts.DB)
	if err != nil {
		return nil, err
	}
	store, err := timeseries.Open(opts.DB, timeseries.WithCapacity(opts.Capacity))
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Options{
		Store:    store,
		Spot:     opts.Spot,
		Batch:    opts.Batch,
		Decimals: opts.Decimals,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	client := func(ctx context.Context) (*evmc.Client, error) {
		return opts.Pool.Get(ctx, settings.EVMPeer())
	}
	reg, err := registrar.New(registrar.Options{
		Accounts: accounts,
		Registry: func(ctx context.Context) (evmc.Registry, error) {
			c, err := client(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Self:    opts.Self,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	manager, err := aggregator.New(aggregator.Options{
		Contract: contract,
		Chain: func(ctx context.Context) (evmc.Chain, error) {
			c, err := client(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Keys:     reg,
		Bytecode: opts.Bytecode,
		ChainID:  opts.ChainID,
		Sender:   evmc.NewSender(opts.GasPrice),
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		settings:   settings,
		gate:       auth.NewGate(settings),
		store:      store,
		pipeline:   pipe,
		registrar:  reg,
		aggregator: manager,
		journal:    opts.Journal,
		logger:     logger.With("component", "oracle"),
	}, nil
}

// Pipeline exposes the fetch pipeline for the scheduler.
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Owner returns the configured owner.
func (s *Service) Owner() identity.Identity { return s.settings.Owner() }

// SetOwner transfers ownership.
func (s *Service) SetOwner(caller, owner identity.Identity) error {
	if err := s.gate.CheckOwner(caller); err != nil {
		return err
	}
	parsed, err := identity.Parse(owner.String())
	if err != nil || parsed.IsAnonymous() {
		return oerrors.InvalidArgument("owner must be a named identity")
	}
	if err := s.settings.SetOwner(parsed); err != nil {
		return err
	}
	s.logger.Info("owner changed", "caller", caller.String(), "owner", parsed.String())
	return nil
}

// EVMPeer returns the configured EVM peer.
func (s *Service) EVMPeer() identity.Identity { return s.settings.EVMPeer() }

// SetEVMPeer points the oracle at another EVM side endpoint.
func (s *Service) SetEVMPeer(caller, peer identity.Identity) error {
	if err := s.gate.CheckOwner(caller); err != nil {
		return err
	}
	parsed, err := identity.Parse(peer.String())
	if err != nil {
		return oerrors.InvalidArgument("evm peer: %v", err)
	}
	return s.settings.SetEVMPeer(parsed)
}

// Pairs lists the tracked pairs in ascending order.
func (s *Service) Pairs() []string { return s.store.Pairs() }

// LatestPrice returns the newest point for pair.
func (s *Service) LatestPrice(pair string) (timeseries.PricePoint, error) {
	point, ok, err := s.store.Latest(pair)
	if err != nil {
		return timeseries.PricePoint{}, err
	}
	if !ok {
		return timeseries.PricePoint{}, oerrors.ErrNoPrice
	}
	return point, nil
}

// RecentPrices returns up to n points for pair, newest first.
func (s *Service) RecentPrices(pair string, n int) ([]timeseries.PricePoint, error) {
	return s.store.Recent(pair, n)
}

// AddPair starts tracking pair.
func (s *Service) AddPair(caller identity.Identity, pair string) error {
	if err := s.gate.CheckOwner(caller); err != nil {
		return err
	}
	return s.store.AddPair(pair)
}

// RemovePair stops tracking pair and drops its history.
func (s *Service) RemovePair(caller identity.Identity, pair string) error {
	if err := s.gate.CheckOwner(caller); err != nil {
		return err
	}
	return s.store.RemovePair(pair)
}

// SyncPrices fetches quotes for pairs and returns how many were stored.
func (s *Service) SyncPrices(ctx context.Context, caller identity.Identity, pairs []string, source pipeline.Source) (int, error) {
	if err := s.gate.CheckOwner(caller); err != nil {
		return 0, err
	}
	return s.pipeline.Sync(ctx, pairs, source)
}

// RegisterSelf submits the signed registration transaction and stores the
// signing key once the EVM side accepted it.
func (s *Service) RegisterSelf(ctx context.Context, caller identity.Identity, rawTx, signingKey []byte) (common.Address, error) {
	if err := s.gate.CheckOwner(caller); err != nil {
		return common.Address{}, err
	}
	tx, err := evmc.DecodeTransaction(rawTx)
	if err != nil {
		return common.Address{}, err
	}
	if err := s.registrar.Register(ctx, tx, signingKey); err != nil {
		return common.Address{}, err
	}
	address, err := s.registrar.Account()
	if err != nil {
		return common.Address{}, err
	}
	s.record(ctx, journal.KindRegister, tx.Hash(), caller, address.Hex())
	return address, nil
}

// SelfAddress returns the registered self account address.
func (s *Service) SelfAddress() (common.Address, error) { return s.registrar.Account() }

// ContractState returns the aggregator lifecycle state.
func (s *Service) ContractState() state.ContractState { return s.aggregator.State() }

// DeployContract submits the aggregator deployment.
func (s *Service) DeployContract(ctx context.Context, caller identity.Identity) (common.Hash, error) {
	if err := s.gate.CheckOwner(caller); err != nil {
		return common.Hash{}, err
	}
	hash, err := s.aggregator.InitContract(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	s.record(ctx, journal.KindDeploy, hash, caller, "")
	return hash, nil
}

// ConfirmContract records the deployed aggregator address.
func (s *Service) ConfirmContract(ctx context.Context, caller identity.Identity) (common.Address, error) {
	if err := s.gate.CheckOwner(caller); err != nil {
		return common.Address{}, err
	}
	return s.aggregator.ConfirmContractAddress(ctx)
}

// ContractAddress returns the confirmed aggregator address.
func (s *Service) ContractAddress() (common.Address, error) { return s.aggregator.Contract() }

// AddContractPair registers pair with the aggregator contract.
func (s *Service) AddContractPair(ctx context.Context, caller identity.Identity, pair string, decimals uint64, description string, version uint64) (common.Hash, error) {
	if err := s.gate.CheckOwner(caller); err != nil {
		return common.Hash{}, err
	}
	hash, err := s.aggregator.AddPair(ctx, pair, uint256.NewInt(decimals), description, uint256.NewInt(version))
	if err != nil {
		return common.Hash{}, err
	}
	s.record(ctx, journal.KindAddPair, hash, caller, pair)
	return hash, nil
}

// UpdateAnswers relays caller supplied prices to the aggregator contract.
func (s *Service) UpdateAnswers(ctx context.Context, caller identity.Identity, pairs []string, timestamps, prices []uint64) (common.Hash, error) {
	if err := s.gate.CheckOwner(caller); err != nil {
		return common.Hash{}, err
	}
	hash, err := s.aggregator.UpdateAnswers(ctx, pairs, timestamps, prices)
	if err != nil {
		return common.Hash{}, err
	}
	s.record(ctx, journal.KindUpdateAnswers, hash, caller, strings.Join(pairs, ","))
	return hash, nil
}

// PushLatest relays the newest stored point of each pair. With no pairs
// given, every pair holding at least one point is pushed.
func (s *Service) PushLatest(ctx context.Context, caller identity.Identity, pairs []string) (common.Hash, error) {
	if err := s.gate.CheckOwner(caller); err != nil {
		return common.Hash{}, err
	}
	explicit := len(pairs) > 0
	if !explicit {
		pairs = s.store.Pairs()
	}
	var (
		names      []string
		timestamps []uint64
		prices     []uint64
	)
	for _, pair := range pairs {
		point, err := s.LatestPrice(pair)
		if errors.Is(err, oerrors.ErrNoPrice) && !explicit {
			continue
		}
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: %s", err, pair)
		}
		names = append(names, pair)
		timestamps = append(timestamps, point.Timestamp)
		prices = append(prices, point.Value)
	}
	if len(names) == 0 {
		return common.Hash{}, oerrors.ErrNoPrice
	}
	hash, err := s.aggregator.UpdateAnswers(ctx, names, timestamps, prices)
	if err != nil {
		return common.Hash{}, err
	}
	s.record(ctx, journal.KindUpdateAnswers, hash, caller, strings.Join(names, ","))
	return hash, nil
}

// RelayHistory lists recent relay transactions, newest first.
func (s *Service) RelayHistory(ctx context.Context, limit int) ([]journal.RelayRecord, error) {
	if s.journal == nil {
		return []journal.RelayRecord{}, nil
	}
	return s.journal.List(ctx, limit)
}

func (s *Service) record(ctx context.Context, kind string, hash common.Hash, caller identity.Identity, detail string) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Record(ctx, kind, hash.Hex(), caller.String(), detail); err != nil {
		s.logger.Error("journal write failed", "kind", kind, "tx_hash", hash.Hex(), "error", err)
	}
}
