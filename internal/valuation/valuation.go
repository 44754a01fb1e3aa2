// Package valuation projects raw prices into display values.
//
// A display value is either the raw price (ModePrice) or the price multiplied
// by circulating supply (ModeMarketCap). The same transform is applied to
// historical candles at ingestion and to live ticks per event, using whatever
// supply is in effect at that moment.
package valuation

import (
	"errors"
	"strings"
	"sync"

	"chartsync/internal/model"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a wire amount is empty or not numeric.
var ErrInvalidAmount = errors.New("invalid amount")

// DisplayValue converts raw into display space under mode.
func DisplayValue(raw, supply decimal.Decimal, mode model.ValueMode) float64 {
	if mode == model.ModeMarketCap {
		return raw.Mul(supply).InexactFloat64()
	}
	return raw.InexactFloat64()
}

// DisplayFloat is DisplayValue for amounts that arrive as floats, such as
// historical candle rows.
func DisplayFloat(raw, supply float64, mode model.ValueMode) float64 {
	if mode != model.ModeMarketCap {
		return raw
	}
	return DisplayValue(decimal.NewFromFloat(raw), decimal.NewFromFloat(supply), mode)
}

// TransformBar projects every price field of a raw bar. Volume is left as is.
func TransformBar(bar model.Bar, supply float64, mode model.ValueMode) model.Bar {
	if mode != model.ModeMarketCap {
		return bar
	}
	return model.Bar{
		Time:   bar.Time,
		Open:   DisplayFloat(bar.Open, supply, mode),
		High:   DisplayFloat(bar.High, supply, mode),
		Low:    DisplayFloat(bar.Low, supply, mode),
		Close:  DisplayFloat(bar.Close, supply, mode),
		Volume: bar.Volume,
	}
}

// ParseAmount parses a wire amount string.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Join(ErrInvalidAmount, err)
	}
	return d, nil
}

// SupplyRef holds the circulating supply currently in effect.
//
// Updates are captured as they arrive and only affect values transformed
// afterwards; bars already emitted are never rescaled.
type SupplyRef struct {
	mu     sync.RWMutex
	supply decimal.Decimal
}

// NewSupplyRef returns a ref holding initial.
func NewSupplyRef(initial decimal.Decimal) *SupplyRef {
	return &SupplyRef{supply: initial}
}

// Load returns the current supply.
func (r *SupplyRef) Load() decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supply
}

// Store replaces the supply. Non-positive values are ignored and Store
// reports whether the ref changed.
func (r *SupplyRef) Store(supply decimal.Decimal) bool {
	if !supply.IsPositive() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.supply.Equal(supply) {
		return false
	}
	r.supply = supply
	return true
}

// StoreString parses and stores a wire supply string.
func (r *SupplyRef) StoreString(s string) bool {
	d, err := ParseAmount(s)
	if err != nil {
		return false
	}
	return r.Store(d)
}
