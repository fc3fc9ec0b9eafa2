// Package billing implements the CareIntake payment pipeline: discount
// resolution, checkout creation, webhook reconciliation, account
// provisioning and subscription activation.
package billing

import (
	"sort"
	"strings"

	"careintake/internal/config"
)

// Market is one sellable market: a Stripe price and the amount it charges.
type Market struct {
	Code     string
	PriceID  string
	Amount   int64
	Currency string
}

// MarketCatalog is the fixed set of markets loaded at startup.
type MarketCatalog struct {
	markets map[string]Market
}

// NewMarketCatalog builds the catalog from billing configuration. Market
// codes are lower-cased. A market without its own currency uses
// DefaultCurrency.
func NewMarketCatalog(cfg config.BillingConfig) *MarketCatalog {
	m := make(map[string]Market, len(cfg.MarketPrices))
	for code, price := range cfg.MarketPrices {
		code = strings.ToLower(strings.TrimSpace(code))
		currency := cfg.MarketCurrencies[code]
		if currency == "" {
			currency = cfg.DefaultCurrency
		}
		m[code] = Market{
			Code:     code,
			PriceID:  price,
			Amount:   cfg.MarketAmounts[code],
			Currency: strings.ToLower(currency),
		}
	}
	return &MarketCatalog{markets: m}
}

// Lookup returns the market for code.
func (c *MarketCatalog) Lookup(code string) (Market, bool) {
	m, ok := c.markets[strings.ToLower(strings.TrimSpace(code))]
	return m, ok
}

// Codes returns the configured market codes in sorted order.
func (c *MarketCatalog) Codes() []string {
	codes := make([]string, 0, len(c.markets))
	for code := range c.markets {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
