package market

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMarketNotFound = errors.New("market not found")

// Status defines the trading status of a market
type Status int8

const (
	Active Status = iota // Trading enabled
	Halted               // Mutations refused after an internal inconsistency
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Halted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// Market is one spot pair, e.g. TATA_INR. The quote asset is the exchange's
// base currency and is the same for every market.
type Market struct {
	Symbol     string // "TATA_INR"
	BaseAsset  string // "TATA"
	QuoteAsset string // "INR"
	Status     Status

	// HaltReason is set when Status is Halted.
	HaltReason string
}

// Ticker builds the market symbol for a base/quote pair.
func Ticker(baseAsset, quoteAsset string) string {
	return baseAsset + "_" + quoteAsset
}

// New validates the assets and builds an active market.
func New(baseAsset, quoteAsset string) (*Market, error) {
	m := &Market{
		Symbol:     Ticker(baseAsset, quoteAsset),
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
		Status:     Active,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market: %w", err)
	}
	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if strings.Contains(m.BaseAsset, "_") || strings.Contains(m.QuoteAsset, "_") {
		return fmt.Errorf("asset names cannot contain '_'")
	}
	if m.BaseAsset == m.QuoteAsset {
		return fmt.Errorf("base and quote assets must differ")
	}
	if m.Symbol != Ticker(m.BaseAsset, m.QuoteAsset) {
		return fmt.Errorf("symbol %s does not match %s/%s", m.Symbol, m.BaseAsset, m.QuoteAsset)
	}
	return nil
}

// Split parses "BASE_QUOTE" and checks the quote asset.
func Split(symbol, quoteAsset string) (string, error) {
	base, quote, ok := strings.Cut(symbol, "_")
	if !ok || base == "" {
		return "", fmt.Errorf("malformed ticker %q", symbol)
	}
	if quote != quoteAsset {
		return "", fmt.Errorf("ticker %q: quote asset must be %s", symbol, quoteAsset)
	}
	return base, nil
}
