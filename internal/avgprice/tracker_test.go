package avgprice

import (
	"testing"

	"chartsync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDrawer is a mock implementation of Drawer for testing.
type MockDrawer struct {
	mock.Mock
}

func (m *MockDrawer) DrawAverageLine(line model.AveragePriceLine) {
	m.Called(line)
}

func (m *MockDrawer) RemoveAverageLine(side model.Side) {
	m.Called(side)
}

// ownTrade builds one of the viewer's trades with average fields populated
func ownTrade(letter model.TradeLetter, ts int64) model.Trade {
	return model.Trade{
		Signature:           "sig",
		Letter:              letter,
		Timestamp:           ts,
		Price:               "0.00002",
		AveragePriceSol:     "0.00001",
		AveragePriceUSD:     "0.002",
		AverageSellPriceSol: "0.00003",
		AverageSellPriceUSD: "0.006",
		Supply:              "1000000000",
	}
}

// Test_Observe tests price selection per side, currency and mode
func Test_Observe(t *testing.T) {
	tests := []struct {
		name        string
		letter      model.TradeLetter
		currency    model.Currency
		mode        model.ValueMode
		expectSide  model.Side
		expectPrice float64
		description string
	}{
		{name: "Buy native", letter: "B", currency: model.CurrencyNative, mode: model.ModePrice, expectSide: model.SideBuy, expectPrice: 0.00001, description: "Buy side uses average_price_sol"},
		{name: "Buy USD", letter: "B", currency: model.CurrencyUSD, mode: model.ModePrice, expectSide: model.SideBuy, expectPrice: 0.002, description: "Buy side uses average_price_usd"},
		{name: "Sell native", letter: "S", currency: model.CurrencyNative, mode: model.ModePrice, expectSide: model.SideSell, expectPrice: 0.00003, description: "Sell side uses average_sell_price_sol"},
		{name: "Sell USD mcap", letter: "S", currency: model.CurrencyUSD, mode: model.ModeMarketCap, expectSide: model.SideSell, expectPrice: 6000000, description: "Market cap uses the trade's own supply"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drawer := new(MockDrawer)
			expected := model.AveragePriceLine{Side: tt.expectSide, StartTime: 1700000000, Price: tt.expectPrice}
			drawer.On("DrawAverageLine", expected).Once()

			tracker := NewTracker(drawer, tt.currency, tt.mode)
			require.True(t, tracker.Observe(ownTrade(tt.letter, 1700000000000)), tt.description)

			line, ok := tracker.Line(tt.expectSide)
			require.True(t, ok)
			assert.Equal(t, expected, line, tt.description)
			drawer.AssertExpectations(t)
		})
	}
}

// Test_Observe_Ignored tests trades that must not move the lines
func Test_Observe_Ignored(t *testing.T) {
	tests := []struct {
		name        string
		trade       func() model.Trade
		description string
	}{
		{
			name:        "Sniper trade",
			trade:       func() model.Trade { return ownTrade("SB", 1700000000) },
			description: "Only the viewer's own trades qualify",
		},
		{
			name: "Tracked wallet",
			trade: func() model.Trade {
				tr := ownTrade("B", 1700000000)
				tr.ImageURL = "https://img/t.png"
				return tr
			},
			description: "Tracked wallet trades do not qualify",
		},
		{
			name: "Missing average",
			trade: func() model.Trade {
				tr := ownTrade("B", 1700000000)
				tr.AveragePriceSol = ""
				return tr
			},
			description: "Trades without an average are skipped",
		},
		{
			name: "Zero average",
			trade: func() model.Trade {
				tr := ownTrade("B", 1700000000)
				tr.AveragePriceSol = "0"
				return tr
			},
			description: "Zero averages are skipped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drawer := new(MockDrawer)
			tracker := NewTracker(drawer, model.CurrencyNative, model.ModePrice)

			assert.False(t, tracker.Observe(tt.trade()), tt.description)
			drawer.AssertNotCalled(t, "DrawAverageLine", mock.Anything)
		})
	}
}

// Test_Observe_MostRecentWins tests replacement and stale-trade rejection
func Test_Observe_MostRecentWins(t *testing.T) {
	drawer := new(MockDrawer)
	drawer.On("DrawAverageLine", mock.Anything)
	drawer.On("RemoveAverageLine", model.SideBuy)

	tracker := NewTracker(drawer, model.CurrencyNative, model.ModePrice)

	first := ownTrade("B", 1700000000)
	second := ownTrade("B", 1700000100)
	second.AveragePriceSol = "0.00005"
	older := ownTrade("B", 1699999999)
	older.AveragePriceSol = "0.9"

	require.True(t, tracker.Observe(first))
	require.True(t, tracker.Observe(second))
	assert.False(t, tracker.Observe(older), "Older trades never replace the line")

	line, _ := tracker.Line(model.SideBuy)
	assert.Equal(t, 0.00005, line.Price)
	drawer.AssertNumberOfCalls(t, "DrawAverageLine", 2)
	drawer.AssertNumberOfCalls(t, "RemoveAverageLine", 1)
}

// Test_SetVisible tests the Hidden/Visible state machine
func Test_SetVisible(t *testing.T) {
	drawer := new(MockDrawer)
	drawer.On("DrawAverageLine", mock.Anything)
	drawer.On("RemoveAverageLine", mock.Anything)

	tracker := NewTracker(drawer, model.CurrencyNative, model.ModePrice)
	tracker.Observe(ownTrade("S", 1700000000))

	tracker.SetVisible(model.SideSell, false)
	assert.Equal(t, Hidden, tracker.Visibility(model.SideSell))
	_, kept := tracker.Line(model.SideSell)
	assert.True(t, kept, "Hiding keeps the computed line")

	// Updates while hidden are tracked but not drawn
	tracker.Observe(ownTrade("S", 1700000500))
	drawer.AssertNumberOfCalls(t, "DrawAverageLine", 1)

	tracker.SetVisible(model.SideSell, true)
	assert.Equal(t, Visible, tracker.Visibility(model.SideSell))
	drawer.AssertNumberOfCalls(t, "DrawAverageLine", 2)

	line, _ := tracker.Line(model.SideSell)
	assert.Equal(t, int64(1700000500), line.StartTime)

	tracker.SetVisible(model.SideSell, true)
	drawer.AssertNumberOfCalls(t, "DrawAverageLine", 2)
}

// Test_Reset tests that currency and mode changes clear the lines
func Test_Reset(t *testing.T) {
	drawer := new(MockDrawer)
	drawer.On("DrawAverageLine", mock.Anything)
	drawer.On("RemoveAverageLine", mock.Anything)

	tracker := NewTracker(drawer, model.CurrencyNative, model.ModePrice)
	tracker.Observe(ownTrade("B", 1700000000))
	tracker.Observe(ownTrade("S", 1700000000))

	tracker.SetCurrency(model.CurrencyUSD)

	_, buy := tracker.Line(model.SideBuy)
	_, sell := tracker.Line(model.SideSell)
	assert.False(t, buy)
	assert.False(t, sell)
	drawer.AssertCalled(t, "RemoveAverageLine", model.SideBuy)
	drawer.AssertCalled(t, "RemoveAverageLine", model.SideSell)

	tracker.SetMode(model.ModeMarketCap)
	require.True(t, tracker.Observe(ownTrade("B", 1600000000)), "After reset any trade qualifies again")
	line, _ := tracker.Line(model.SideBuy)
	assert.Equal(t, 2000000.0, line.Price)
}
