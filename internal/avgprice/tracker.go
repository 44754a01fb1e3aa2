// Package avgprice tracks the viewer's average buy and sell price lines.
package avgprice

import (
	"chartsync/internal/ledger"
	"chartsync/internal/model"
	"chartsync/internal/valuation"

	"github.com/rs/zerolog/log"
)

// Drawer renders and removes average-price lines on the chart.
type Drawer interface {
	DrawAverageLine(line model.AveragePriceLine)
	RemoveAverageLine(side model.Side)
}

// Visibility is the per-side display state.
type Visibility int

const (
	Hidden Visibility = iota
	Visible
)

func (v Visibility) String() string {
	if v == Visible {
		return "visible"
	}
	return "hidden"
}

type sideState struct {
	line       model.AveragePriceLine
	has        bool
	lastMillis int64
	visibility Visibility
	drawn      bool
}

// Tracker keeps at most one line per side. Each qualifying trade replaces the
// line of its side; it is never accumulated. Hiding a side only undraws the
// line, the computed state is kept for the next show.
//
// The Tracker is not safe for concurrent use.
type Tracker struct {
	drawer   Drawer
	currency model.Currency
	mode     model.ValueMode
	sides    map[model.Side]*sideState
}

// NewTracker creates a tracker with both sides visible.
func NewTracker(drawer Drawer, currency model.Currency, mode model.ValueMode) *Tracker {
	return &Tracker{
		drawer:   drawer,
		currency: currency,
		mode:     mode,
		sides: map[model.Side]*sideState{
			model.SideBuy:  {visibility: Visible},
			model.SideSell: {visibility: Visible},
		},
	}
}

// Observe recomputes the line for the trade's side when the trade is one of
// the viewer's own and at least as recent as the current line. It reports
// whether the line changed.
func (t *Tracker) Observe(trade model.Trade) bool {
	if ledger.Classify(trade) != model.CategoryMyTrades {
		return false
	}
	side := trade.Letter.Side()
	st, ok := t.sides[side]
	if !ok {
		return false
	}

	ts := trade.TimestampMillis()
	if st.has && ts < st.lastMillis {
		return false
	}

	price, ok := t.price(trade, side)
	if !ok {
		return false
	}

	st.line = model.AveragePriceLine{Side: side, StartTime: model.ToSeconds(trade.Timestamp), Price: price}
	st.has = true
	st.lastMillis = ts

	if st.visibility == Visible {
		t.redraw(side, st)
	}
	return true
}

// price picks the average for side and currency and projects it with the
// trade's own supply, since the average is a historical marker.
func (t *Tracker) price(trade model.Trade, side model.Side) (float64, bool) {
	var raw string
	switch {
	case side == model.SideBuy && t.currency == model.CurrencyUSD:
		raw = trade.AveragePriceUSD
	case side == model.SideBuy:
		raw = trade.AveragePriceSol
	case t.currency == model.CurrencyUSD:
		raw = trade.AverageSellPriceUSD
	default:
		raw = trade.AverageSellPriceSol
	}

	amount, err := valuation.ParseAmount(raw)
	if err != nil || !amount.IsPositive() {
		return 0, false
	}

	if t.mode != model.ModeMarketCap {
		return amount.InexactFloat64(), true
	}
	supply, err := valuation.ParseAmount(trade.Supply)
	if err != nil {
		log.Debug().Str("signature", trade.Signature).Msg("average line skipped: trade has no supply")
		return 0, false
	}
	return valuation.DisplayValue(amount, supply, t.mode), true
}

func (t *Tracker) redraw(side model.Side, st *sideState) {
	if st.drawn {
		t.drawer.RemoveAverageLine(side)
	}
	t.drawer.DrawAverageLine(st.line)
	st.drawn = true
}

func (t *Tracker) undraw(side model.Side, st *sideState) {
	if st.drawn {
		t.drawer.RemoveAverageLine(side)
		st.drawn = false
	}
}

// SetVisible toggles a side between Hidden and Visible.
func (t *Tracker) SetVisible(side model.Side, visible bool) {
	st, ok := t.sides[side]
	if !ok {
		return
	}
	switch {
	case visible && st.visibility == Hidden:
		st.visibility = Visible
		if st.has {
			t.redraw(side, st)
		}
	case !visible && st.visibility == Visible:
		st.visibility = Hidden
		t.undraw(side, st)
	}
}

// Visibility returns the display state of side.
func (t *Tracker) Visibility(side model.Side) Visibility {
	if st, ok := t.sides[side]; ok {
		return st.visibility
	}
	return Hidden
}

// Line returns the last computed line of side.
func (t *Tracker) Line(side model.Side) (model.AveragePriceLine, bool) {
	st, ok := t.sides[side]
	if !ok || !st.has {
		return model.AveragePriceLine{}, false
	}
	return st.line, true
}

// SetCurrency switches currency and clears both lines.
func (t *Tracker) SetCurrency(c model.Currency) {
	t.currency = c
	t.Reset()
}

// SetMode switches value mode and clears both lines.
func (t *Tracker) SetMode(m model.ValueMode) {
	t.mode = m
	t.Reset()
}

// Reset removes both lines and forgets their state. Visibility preferences
// survive.
func (t *Tracker) Reset() {
	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		st := t.sides[side]
		t.undraw(side, st)
		st.line = model.AveragePriceLine{}
		st.has = false
		st.lastMillis = 0
	}
}
