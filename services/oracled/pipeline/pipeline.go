// Package pipeline fetches quotes from the configured sources and appends them
// to the time series store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"evmoracle/observability"
	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/services/oracled/sources"
	"evmoracle/services/oracled/timeseries"
)

// Source selects the upstream provider for a sync.
type Source string

const (
	// SourceCoinbase fetches exactly one pair per call.
	SourceCoinbase Source = "coinbase"
	// SourceCoinGecko fetches many pairs with one call.
	SourceCoinGecko Source = "coingecko"
)

// ParseSource maps a user supplied selector to a Source.
func ParseSource(raw string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceCoinbase:
		return SourceCoinbase, nil
	case SourceCoinGecko:
		return SourceCoinGecko, nil
	default:
		return "", oerrors.InvalidArgument("unknown price source %q", raw)
	}
}

// SpotSource quotes a single pair.
type SpotSource interface {
	Spot(ctx context.Context, pair string) (decimal.Decimal, error)
}

// BatchSource quotes several pairs at once. Unquoted pairs are omitted.
type BatchSource interface {
	Prices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error)
}

var (
	_ SpotSource  = (*sources.Coinbase)(nil)
	_ BatchSource = (*sources.CoinGecko)(nil)
)

// Options wires a Pipeline.
type Options struct {
	Store    *timeseries.Store
	Spot     SpotSource
	Batch    BatchSource
	Decimals int32
	Logger   *slog.Logger
	Metrics  *observability.OracleMetrics
	Now      func() time.Time
}

// DefaultDecimals is the fixed-point scale applied to stored prices.
const DefaultDecimals int32 = 8

// Pipeline writes normalized quotes into the store.
type Pipeline struct {
	store    *timeseries.Store
	spot     SpotSource
	batch    BatchSource
	decimals int32
	logger   *slog.Logger
	metrics  *observability.OracleMetrics
	now      func() time.Time
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: store required")
	}
	if opts.Spot == nil && opts.Batch == nil {
		return nil, fmt.Errorf("pipeline: at least one source required")
	}
	if opts.Decimals < 0 {
		return nil, fmt.Errorf("pipeline: decimals must not be negative")
	}
	if opts.Decimals == 0 {
		opts.Decimals = DefaultDecimals
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store:    opts.Store,
		spot:     opts.Spot,
		batch:    opts.Batch,
		decimals: opts.Decimals,
		logger:   opts.Logger.With("component", "pipeline"),
		metrics:  opts.Metrics,
		now:      opts.Now,
	}, nil
}

// Sync fetches pairs from source and returns how many points were written.
// Every pair must exist before the upstream is contacted.
func (p *Pipeline) Sync(ctx context.Context, pairs []string, source Source) (int, error) {
	ctx, span := otel.Tracer("evmoracle/pipeline").Start(ctx, "pipeline.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("source", string(source)), attribute.Int("pairs", len(pairs)))

	started := time.Now()
	written, err := p.sync(ctx, pairs, source)
	p.metrics.ObserveFetch(string(source), written, time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return written, err
}

func (p *Pipeline) sync(ctx context.Context, pairs []string, source Source) (int, error) {
	switch source {
	case SourceCoinbase:
		if len(pairs) != 1 {
			return 0, oerrors.InvalidArgument("coinbase syncs exactly one pair, got %d", len(pairs))
		}
		if p.spot == nil {
			return 0, oerrors.InvalidArgument("coinbase source not configured")
		}
	case SourceCoinGecko:
		if len(pairs) == 0 {
			return 0, oerrors.InvalidArgument("at least one pair required")
		}
		if p.batch == nil {
			return 0, oerrors.InvalidArgument("coingecko source not configured")
		}
	default:
		return 0, oerrors.InvalidArgument("unknown price source %q", source)
	}
	for _, pair := range pairs {
		if !p.store.Exists(pair) {
			return 0, fmt.Errorf("%w: %s", oerrors.ErrPairNotExist, pair)
		}
	}
	if source == SourceCoinbase {
		return p.syncSpot(ctx, pairs[0])
	}
	return p.syncBatch(ctx, pairs)
}

func (p *Pipeline) syncSpot(ctx context.Context, pair string) (int, error) {
	price, err := p.spot.Spot(ctx, pair)
	if err != nil {
		return 0, err
	}
	value, err := sources.Scale(price, p.decimals)
	if err != nil {
		return 0, err
	}
	// The pair may have been removed while the request was in flight.
	if err := p.store.Insert(pair, uint64(p.now().UnixNano()), value); err != nil {
		return 0, err
	}
	p.logger.Debug("price synced", "pair", pair, "source", string(SourceCoinbase), "value", value)
	return 1, nil
}

func (p *Pipeline) syncBatch(ctx context.Context, pairs []string) (int, error) {
	prices, err := p.batch.Prices(ctx, pairs)
	if err != nil {
		return 0, err
	}
	timestamp := uint64(p.now().UnixNano())
	entries := make([]timeseries.Entry, 0, len(prices))
	seen := make(map[string]struct{}, len(pairs))
	for _, pair := range pairs {
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		price, ok := prices[pair]
		if !ok {
			p.logger.Debug("pair missing from batch response", "pair", pair, "source", string(SourceCoinGecko))
			continue
		}
		value, err := sources.Scale(price, p.decimals)
		if err != nil {
			return 0, err
		}
		entries = append(entries, timeseries.Entry{Pair: pair, Point: timeseries.PricePoint{Timestamp: timestamp, Value: value}})
	}
	// Pairs removed while the request was in flight are dropped here.
	written, err := p.store.InsertKnown(entries)
	if err != nil {
		return 0, err
	}
	if written < len(entries) {
		p.logger.Debug("pairs removed during fetch", "dropped", len(entries)-written)
	}
	p.logger.Debug("prices synced", "source", string(SourceCoinGecko), "requested", len(pairs), "written", written)
	return written, nil
}
