package model

import (
	"strconv"
	"strings"
)

// TradeLetter encodes both the side and the category of a trade.
//
// Single letters ("B", "S") are the viewer's own or tracked-wallet trades;
// two-letter codes prefixed with S, D or I are sniper, developer and insider
// trades respectively, with the side in the second position.
type TradeLetter string

// Side is the buy/sell direction of a trade or average-price line.
type Side int

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

// String returns a lowercase name for the side.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	}
	return "unknown"
}

// Side derives the trade direction from the last character of the letter.
func (l TradeLetter) Side() Side {
	if l == "" {
		return SideUnknown
	}
	switch l[len(l)-1] {
	case 'B', 'b':
		return SideBuy
	case 'S', 's':
		return SideSell
	}
	return SideUnknown
}

// Prefix returns the category prefix of a two-letter code, or 0.
func (l TradeLetter) Prefix() byte {
	if len(l) != 2 {
		return 0
	}
	return l[0]
}

// Trade is one fill as delivered by the feed or the initial trade backfill.
//
// Trades are immutable once ingested. Amounts stay as the strings the source
// sent so that equality checks never depend on float formatting.
type Trade struct {
	Signature           string      `json:"signature"`
	Wallet              string      `json:"wallet"`
	Letter              TradeLetter `json:"letter"`
	Timestamp           int64       `json:"timestamp" validate:"required"`
	Price               string      `json:"price" validate:"required,amount"`
	PriceUSD            string      `json:"price_usd"`
	AveragePriceSol     string      `json:"average_price_sol"`
	AveragePriceUSD     string      `json:"average_price_usd"`
	AverageSellPriceSol string      `json:"average_sell_price_sol"`
	AverageSellPriceUSD string      `json:"average_sell_price_usd"`
	Supply              string      `json:"supply"`
	Colour              string      `json:"colour"`
	ImageURL            string      `json:"imageUrl,omitempty"`
	Name                string      `json:"name,omitempty"`
}

// SameAs reports whether t and o describe the same fill.
//
// The signature decides when both sides carry one; otherwise the composite
// of timestamp, wallet, letter and price is compared.
func (t Trade) SameAs(o Trade) bool {
	if t.Signature != "" && o.Signature != "" {
		return t.Signature == o.Signature
	}
	return t.Timestamp == o.Timestamp &&
		t.Wallet == o.Wallet &&
		t.Letter == o.Letter &&
		t.Price == o.Price
}

// TimestampMillis returns the trade time in milliseconds regardless of the
// unit the source used.
func (t Trade) TimestampMillis() int64 {
	if isMillis(t.Timestamp) {
		return t.Timestamp
	}
	return t.Timestamp * 1000
}

// ToSeconds normalises a seconds-or-milliseconds timestamp to seconds.
// Literals with more than 10 digits are treated as milliseconds.
func ToSeconds(ts int64) int64 {
	if isMillis(ts) {
		return ts / 1000
	}
	return ts
}

// ToMillis normalises a seconds-or-milliseconds timestamp to milliseconds.
func ToMillis(ts int64) int64 {
	if isMillis(ts) {
		return ts
	}
	return ts * 1000
}

func isMillis(ts int64) bool {
	return len(strings.TrimPrefix(strconv.FormatInt(ts, 10), "-")) > 10
}

// MarkCategory is the filterable class a trade is projected into.
type MarkCategory string

const (
	CategoryMyTrades      MarkCategory = "my_trades"
	CategoryDevTrades     MarkCategory = "dev_trades"
	CategorySniperTrades  MarkCategory = "sniper_trades"
	CategoryInsiderTrades MarkCategory = "insider_trades"
	CategoryTrackedTrades MarkCategory = "tracked_trades"
	CategoryOtherTrades   MarkCategory = "other_trades"
)

// AllCategories lists every mark category in display order.
var AllCategories = []MarkCategory{
	CategoryMyTrades,
	CategoryDevTrades,
	CategorySniperTrades,
	CategoryInsiderTrades,
	CategoryTrackedTrades,
	CategoryOtherTrades,
}

// Mark is a display-ready annotation derived from a Trade. Time is in
// seconds. Marks are regenerated from the ledger on demand.
type Mark struct {
	ID             int    `json:"id"`
	Time           int64  `json:"time"`
	Color          string `json:"color"`
	Text           string `json:"text"`
	Label          string `json:"label"`
	LabelFontColor string `json:"labelFontColor"`
}

// AveragePriceLine is the reference line for one side of the viewer's
// position. StartTime is in seconds.
type AveragePriceLine struct {
	Side      Side
	StartTime int64
	Price     float64
}
