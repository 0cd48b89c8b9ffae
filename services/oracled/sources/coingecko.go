package sources

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	oerrors "evmoracle/services/oracled/errors"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGecko fetches several pairs with one simple/price request.
type CoinGecko struct {
	fetcher
	endpoint string
	assets   map[string]string
}

// NewCoinGecko builds the batch source. assets maps base symbols to CoinGecko
// asset ids; unmapped symbols are looked up by their lower-cased name.
func NewCoinGecko(client HTTPDoer, endpoint string, assets map[string]string, limits Limits) *CoinGecko {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	mapped := make(map[string]string, len(assets))
	for symbol, id := range assets {
		mapped[strings.ToUpper(strings.TrimSpace(symbol))] = strings.TrimSpace(id)
	}
	return &CoinGecko{fetcher: newFetcher("coingecko", client, limits), endpoint: ep, assets: mapped}
}

func (g *CoinGecko) assetID(symbol string) string {
	if id, ok := g.assets[strings.ToUpper(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(symbol)
}

// Prices returns the price of every requested pair present in the response.
// Pairs the provider did not quote, or that are not BASE/QUOTE keys, are
// absent from the result. It fails only when no requested pair is quotable.
func (g *CoinGecko) Prices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error) {
	type lookup struct{ id, vs string }
	wanted := make(map[string]lookup, len(pairs))
	ids := make(map[string]struct{})
	currencies := make(map[string]struct{})
	var splitErr error
	for _, pair := range pairs {
		base, quote, err := SplitPair(pair)
		if err != nil {
			splitErr = err
			continue
		}
		l := lookup{id: g.assetID(base), vs: strings.ToLower(quote)}
		wanted[pair] = l
		ids[l.id] = struct{}{}
		currencies[l.vs] = struct{}{}
	}
	if len(wanted) == 0 {
		if splitErr != nil {
			return nil, splitErr
		}
		return map[string]decimal.Decimal{}, nil
	}

	values := url.Values{}
	values.Set("ids", joinSorted(ids))
	values.Set("vs_currencies", joinSorted(currencies))
	resp, err := g.get(ctx, g.endpoint+"?"+values.Encode())
	if err != nil {
		return nil, err
	}
	var payload map[string]map[string]json.Number
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, oerrors.InvalidArgument("coingecko: decode prices: %v", err)
	}

	out := make(map[string]decimal.Decimal, len(wanted))
	for pair, l := range wanted {
		raw, ok := payload[l.id][l.vs]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(raw.String())
		if err != nil {
			return nil, oerrors.InvalidArgument("coingecko: invalid price %q for %s", raw.String(), pair)
		}
		out[pair] = price
	}
	return out, nil
}

func joinSorted(set map[string]struct{}) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
