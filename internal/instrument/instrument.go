// Package instrument handles symbol normalisation and validation, asset type
// parsing, and the optional catalog of tradable instruments.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/atmx/portfolio-engine/internal/model"
)

// symbolRegex matches exchange-style tickers: AAPL, BRK-B, US_BOND, ^TNX, EURUSD=X.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9._=^-]{0,19}$`)

var (
	ErrInvalidSymbol    = errors.New("instrument: invalid symbol")
	ErrInvalidAssetType = errors.New("instrument: unsupported asset type")
	ErrUnknownSymbol    = errors.New("instrument: symbol not in catalog")
)

// Instrument is a validated (symbol, asset type) pair.
type Instrument struct {
	Symbol    string          `json:"symbol"`
	AssetType model.AssetType `json:"asset_type"`
}

// NormalizeSymbol trims and upper-cases a symbol and validates its format.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if s == model.CashSymbol {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// ParseAssetType accepts STOCK or BOND in any case.
func ParseAssetType(s string) (model.AssetType, error) {
	t := model.AssetType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Tradable() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetType, s)
	}
	return t, nil
}

// Catalog lists the instruments an engine accepts. When Restrict is false
// any well-formed symbol is accepted and the catalog only supplies a
// default asset type for listed symbols.
type Catalog struct {
	Restrict bool
	entries  map[string]model.AssetType
}

// DefaultCatalog returns the stocks and bonds the application lists by default.
func DefaultCatalog() *Catalog {
	c := NewCatalog(false)
	for _, s := range []string{"AMZN", "AAPL", "NVDA"} {
		c.Add(s, model.AssetStock)
	}
	for _, s := range []string{"US_BOND", "CA_BOND"} {
		c.Add(s, model.AssetBond)
	}
	return c
}

// NewCatalog creates an empty catalog.
func NewCatalog(restrict bool) *Catalog {
	return &Catalog{Restrict: restrict, entries: make(map[string]model.AssetType)}
}

// Add lists symbol under assetType.
func (c *Catalog) Add(symbol string, assetType model.AssetType) {
	c.entries[strings.ToUpper(symbol)] = assetType
}

// List returns the listed instruments ordered by symbol.
func (c *Catalog) List() []Instrument {
	out := make([]Instrument, 0, len(c.entries))
	for s, t := range c.entries {
		out = append(out, Instrument{Symbol: s, AssetType: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Resolve validates a caller-supplied symbol and asset type. An empty asset
// type is taken from the catalog when the symbol is listed.
func (c *Catalog) Resolve(symbol, assetType string) (Instrument, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return Instrument{}, err
	}

	listed, ok := c.entries[sym]
	if !ok && c.Restrict {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}

	if strings.TrimSpace(assetType) == "" {
		if !ok {
			return Instrument{}, fmt.Errorf("%w: asset type required for %s", ErrInvalidAssetType, sym)
		}
		return Instrument{Symbol: sym, AssetType: listed}, nil
	}

	t, err := ParseAssetType(assetType)
	if err != nil {
		return Instrument{}, err
	}
	if ok && listed != t {
		return Instrument{}, fmt.Errorf("%w: %s is listed as %s", ErrInvalidAssetType, sym, listed)
	}
	return Instrument{Symbol: sym, AssetType: t}, nil
}
