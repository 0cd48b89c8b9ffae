// Package sources adapts the external price APIs the oracle pulls quotes
// from. Every response passes through transform.Normalize before it is parsed.
package sources

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/services/oracled/transform"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limits configures the per-source request budget.
type Limits struct {
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	MaxBodyBytes      int64
}

// DefaultLimits keeps well under the public tiers of both providers.
var DefaultLimits = Limits{RequestsPerSecond: 1, Burst: 2, Timeout: 10 * time.Second, MaxBodyBytes: transform.DefaultMaxBodyBytes}

type fetcher struct {
	name     string
	client   HTTPDoer
	limiter  *rate.Limiter
	timeout  time.Duration
	maxBytes int64
}

func newFetcher(name string, client HTTPDoer, limits Limits) fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if limits.RequestsPerSecond <= 0 {
		limits.RequestsPerSecond = DefaultLimits.RequestsPerSecond
	}
	if limits.Burst <= 0 {
		limits.Burst = DefaultLimits.Burst
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultLimits.Timeout
	}
	return fetcher{
		name:     name,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(limits.RequestsPerSecond), limits.Burst),
		timeout:  limits.Timeout,
		maxBytes: limits.MaxBodyBytes,
	}
}

// get performs a rate limited GET and returns the normalized response.
func (f fetcher) get(ctx context.Context, target string) (transform.Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return transform.Response{}, oerrors.Remote(f.name, err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return transform.Response{}, oerrors.InvalidArgument("build %s request: %v", f.name, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return transform.Response{}, oerrors.Remote(f.name, err)
	}
	raw, err := transform.ReadResponse(resp, f.maxBytes)
	if err != nil {
		return transform.Response{}, err
	}
	return transform.Normalize(raw)
}

// SplitPair splits a BASE/QUOTE (or BASE-QUOTE) key into its symbols.
func SplitPair(pair string) (base, quote string, err error) {
	sep := strings.IndexAny(pair, "/-")
	if sep <= 0 || sep == len(pair)-1 {
		return "", "", oerrors.InvalidArgument("pair %q must be BASE/QUOTE", pair)
	}
	base = strings.TrimSpace(pair[:sep])
	quote = strings.TrimSpace(pair[sep+1:])
	if base == "" || quote == "" || strings.ContainsAny(quote, "/-") {
		return "", "", oerrors.InvalidArgument("pair %q must be BASE/QUOTE", pair)
	}
	return base, quote, nil
}

// Scale converts a quoted price into the fixed-point integer stored in the
// time series, truncating digits past decimals.
func Scale(price decimal.Decimal, decimals int32) (uint64, error) {
	if price.IsNegative() {
		return 0, oerrors.InvalidArgument("negative price %s", price.String())
	}
	scaled := price.Shift(decimals).Truncate(0)
	big := scaled.BigInt()
	if !big.IsUint64() {
		return 0, oerrors.InvalidArgument("price %s overflows at %d decimals", price.String(), decimals)
	}
	return big.Uint64(), nil
}
