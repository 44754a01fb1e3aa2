// Package model defines core data types for the chart synchronisation engine.
//
// This package contains the fundamental data structures shared by the feed
// codec, the bar aggregator, the trade ledger and the session loop. Wire-level
// amounts (prices, supply, averages) are kept as decimal.Decimal or as the raw
// strings the feed delivers; display-level values handed to the chart are
// float64.
package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency selects which quote a price is displayed in.
type Currency int

const (
	// CurrencyNative displays prices in the chain's native asset (SOL).
	CurrencyNative Currency = iota

	// CurrencyUSD displays prices in US dollars.
	CurrencyUSD
)

// String returns the wire name of the currency.
func (c Currency) String() string {
	if c == CurrencyUSD {
		return "USD"
	}
	return "SOL"
}

// ParseCurrency parses a currency preference as stored by the chart layer.
func ParseCurrency(s string) (Currency, error) {
	switch s {
	case "SOL", "sol", "native", "":
		return CurrencyNative, nil
	case "USD", "usd":
		return CurrencyUSD, nil
	}
	return CurrencyNative, fmt.Errorf("unknown currency %q", s)
}

// ValueMode selects how a raw price is projected before display.
type ValueMode int

const (
	// ModePrice displays the raw price.
	ModePrice ValueMode = iota

	// ModeMarketCap displays price multiplied by circulating supply.
	ModeMarketCap
)

// String returns the preference name of the mode.
func (m ValueMode) String() string {
	if m == ModeMarketCap {
		return "mcap"
	}
	return "price"
}

// ParseValueMode parses a value-mode preference.
func ParseValueMode(s string) (ValueMode, error) {
	switch s {
	case "price", "Price", "":
		return ModePrice, nil
	case "mcap", "MCap", "marketcap":
		return ModeMarketCap, nil
	}
	return ModePrice, fmt.Errorf("unknown value mode %q", s)
}

// Bar is one OHLCV record for a fixed time bucket.
//
// Time is the bucket start in Unix milliseconds. The invariant
// Low <= Open, Close <= High holds for every bar the aggregator emits.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Flat returns a zero-volume bar at t whose OHLC all equal price.
func Flat(t int64, price float64) Bar {
	return Bar{Time: t, Open: price, High: price, Low: price, Close: price}
}

// PriceTick is one price/volume update as delivered by the feed.
//
// Timestamp is optional on the wire; a zero value means the receive time
// should be used.
type PriceTick struct {
	Price     decimal.Decimal `json:"price"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Supply    decimal.Decimal `json:"supply"`
	Volume    decimal.Decimal `json:"volume_sol"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Quote returns the tick price in the requested currency.
func (t PriceTick) Quote(c Currency) decimal.Decimal {
	if c == CurrencyUSD {
		return t.PriceUSD
	}
	return t.Price
}

// ValueTick is a tick already projected into display space, ready for bar
// aggregation. Time is in Unix milliseconds.
type ValueTick struct {
	Time   int64
	Value  float64
	Volume float64
}
