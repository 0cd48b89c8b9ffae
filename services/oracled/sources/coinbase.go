package sources

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	oerrors "evmoracle/services/oracled/errors"
)

const defaultCoinbaseEndpoint = "https://api.coinbase.com"

// Coinbase reads the spot price of one pair per request.
type Coinbase struct {
	fetcher
	endpoint string
}

// NewCoinbase builds the single pair source. An empty endpoint selects the
// public API.
func NewCoinbase(client HTTPDoer, endpoint string, limits Limits) *Coinbase {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" {
		ep = defaultCoinbaseEndpoint
	}
	return &Coinbase{fetcher: newFetcher("coinbase", client, limits), endpoint: ep}
}

type coinbaseSpot struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// Spot fetches the current price for pair.
func (c *Coinbase) Spot(ctx context.Context, pair string) (decimal.Decimal, error) {
	base, quote, err := SplitPair(pair)
	if err != nil {
		return decimal.Decimal{}, err
	}
	product := url.PathEscape(strings.ToUpper(base) + "-" + strings.ToUpper(quote))
	resp, err := c.get(ctx, c.endpoint+"/v2/prices/"+product+"/spot")
	if err != nil {
		return decimal.Decimal{}, err
	}
	var payload coinbaseSpot
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return decimal.Decimal{}, oerrors.InvalidArgument("coinbase: decode spot: %v", err)
	}
	amount := strings.TrimSpace(payload.Data.Amount)
	if amount == "" {
		return decimal.Decimal{}, oerrors.InvalidArgument("coinbase: spot price missing for %s", pair)
	}
	price, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Decimal{}, oerrors.InvalidArgument("coinbase: invalid amount %q", amount)
	}
	return price, nil
}
