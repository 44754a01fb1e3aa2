package candles

import (
	"chartsync/internal/model"
	"chartsync/internal/resolution"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMint = "So11111111111111111111111111111111111111112"

// createTestKey builds a series key for the test instrument
func createTestKey(code string) Key {
	return Key{Instrument: testMint, Resolution: resolution.MustParse(code)}
}

// tick is a short constructor for value ticks
func tick(ts int64, value, volume float64) model.ValueTick {
	return model.ValueTick{Time: ts, Value: value, Volume: volume}
}

// applyAll feeds ticks in order and collects every emitted update
func applyAll(agg *Aggregator, key Key, ticks ...model.ValueTick) []BarUpdate {
	var out []BarUpdate
	for _, tk := range ticks {
		out = append(out, agg.ApplyTick(key, tk)...)
	}
	return out
}

// assertBarInvariant checks low <= open,close <= high
func assertBarInvariant(t *testing.T, bar model.Bar) {
	t.Helper()
	assert.LessOrEqual(t, bar.Low, bar.Open, "low must not exceed open")
	assert.LessOrEqual(t, bar.Low, bar.Close, "low must not exceed close")
	assert.GreaterOrEqual(t, bar.High, bar.Open, "high must not be below open")
	assert.GreaterOrEqual(t, bar.High, bar.Close, "high must not be below close")
}

// Test_NewAggregator tests the aggregator constructor with various configurations
func Test_NewAggregator(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectCap   int
		description string
	}{
		{name: "Default cap", cfg: Config{}, expectCap: defaultMaxGapFill, description: "Zero cap falls back to default"},
		{name: "Negative cap", cfg: Config{MaxGapFill: -3}, expectCap: defaultMaxGapFill, description: "Negative cap falls back to default"},
		{name: "Custom cap", cfg: Config{MaxGapFill: 10}, expectCap: 10, description: "Positive cap is kept"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator(tt.cfg)
			require.NotNil(t, agg, tt.description)
			assert.Equal(t, tt.expectCap, agg.cfg.MaxGapFill, tt.description)
			assert.Empty(t, agg.Keys(), "Should start without series")
		})
	}
}

// Test_ApplyTick_SingleBucket covers ticks landing in one bucket
func Test_ApplyTick_SingleBucket(t *testing.T) {
	agg := NewAggregator(Config{})
	key := createTestKey("1S")

	updates := applyAll(agg, key, tick(1000, 10, 1), tick(1000, 12, 2), tick(1999, 9, 3))
	require.Len(t, updates, 3)

	assert.Equal(t, BarNew, updates[0].Kind, "First tick should open a bar")
	assert.Equal(t, BarUpdated, updates[1].Kind)
	assert.Equal(t, BarUpdated, updates[2].Kind)

	live, ok := agg.Live(key)
	require.True(t, ok)
	assert.Equal(t, model.Bar{Time: 1000, Open: 10, High: 12, Low: 9, Close: 9, Volume: 6}, live)
	assertBarInvariant(t, live)
}

// Test_ApplyTick_Roll tests continuity across a normal bucket roll
func Test_ApplyTick_Roll(t *testing.T) {
	tests := []struct {
		name        string
		ticks       []model.ValueTick
		expectLast  model.Bar
		description string
	}{
		{
			name:        "Roll upwards",
			ticks:       []model.ValueTick{tick(1000, 10, 1), tick(1500, 11, 1), tick(2000, 15, 2)},
			expectLast:  model.Bar{Time: 2000, Open: 11, High: 15, Low: 11, Close: 15, Volume: 2},
			description: "New bar opens at previous close and high includes the tick",
		},
		{
			name:        "Roll downwards",
			ticks:       []model.ValueTick{tick(1000, 10, 1), tick(2100, 4, 1)},
			expectLast:  model.Bar{Time: 2000, Open: 10, High: 10, Low: 4, Close: 4, Volume: 1},
			description: "Low includes the tick and high includes the open",
		},
		{
			name:        "Boundary tie rolls forward",
			ticks:       []model.ValueTick{tick(1999, 10, 1), tick(2000, 10, 1)},
			expectLast:  model.Bar{Time: 2000, Open: 10, High: 10, Low: 10, Close: 10, Volume: 1},
			description: "A tick exactly on the boundary belongs to the next bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator(Config{})
			key := createTestKey("1S")

			updates := applyAll(agg, key, tt.ticks...)
			last := updates[len(updates)-1]

			assert.Equal(t, BarNew, last.Kind, tt.description)
			assert.Equal(t, tt.expectLast, last.Bar, tt.description)
			assertBarInvariant(t, last.Bar)
		})
	}
}

// Test_ApplyTick_Continuity checks open == previous close for every emitted bar
func Test_ApplyTick_Continuity(t *testing.T) {
	agg := NewAggregator(Config{})
	key := createTestKey("1S")

	values := []float64{5, 7, 3, 8, 8, 2, 9, 1, 6, 4}
	var series []model.Bar
	for i, v := range values {
		for _, u := range agg.ApplyTick(key, tick(int64(1000+i*700), v, 1)) {
			if u.Kind == BarUpdated {
				series[len(series)-1] = u.Bar
				continue
			}
			series = append(series, u.Bar)
		}
	}
	frozen := series

	require.Greater(t, len(frozen), 2)
	for i := 1; i < len(frozen); i++ {
		assert.Equal(t, frozen[i-1].Close, frozen[i].Open, "bar %d must open at previous close", i)
		assert.Greater(t, frozen[i].Time, frozen[i-1].Time, "bar times must increase")
		assertBarInvariant(t, frozen[i])
	}
}

// Test_ApplyTick_GapFill tests synthetic bars for skipped buckets
func Test_ApplyTick_GapFill(t *testing.T) {
	agg := NewAggregator(Config{})
	key := createTestKey("1S")

	agg.ApplyTick(key, tick(1000, 2.5, 1))
	updates := agg.ApplyTick(key, tick(4200, 3, 1))

	require.Len(t, updates, 3, "Two gap bars plus the new live bar")
	assert.Equal(t, BarUpdate{Key: key, Bar: model.Flat(2000, 2.5), Kind: BarGapFill}, updates[0])
	assert.Equal(t, BarUpdate{Key: key, Bar: model.Flat(3000, 2.5), Kind: BarGapFill}, updates[1])
	assert.Equal(t, BarNew, updates[2].Kind)
	assert.Equal(t, model.Bar{Time: 4000, Open: 2.5, High: 3, Low: 2.5, Close: 3, Volume: 1}, updates[2].Bar)
}

// Test_ApplyTick_GapFillCap tests that very wide gaps only fill the most recent buckets
func Test_ApplyTick_GapFillCap(t *testing.T) {
	agg := NewAggregator(Config{MaxGapFill: 3})
	key := createTestKey("1S")

	agg.ApplyTick(key, tick(1000, 1, 1))
	updates := agg.ApplyTick(key, tick(100000, 2, 1))

	require.Len(t, updates, 4)
	assert.Equal(t, int64(97000), updates[0].Bar.Time)
	assert.Equal(t, int64(98000), updates[1].Bar.Time)
	assert.Equal(t, int64(99000), updates[2].Bar.Time)
	assert.Equal(t, int64(100000), updates[3].Bar.Time)
	assert.Equal(t, 1.0, updates[3].Bar.Open)
}

// Test_ApplyTick_StaleTick tests that ticks older than the live bucket are dropped
func Test_ApplyTick_StaleTick(t *testing.T) {
	agg := NewAggregator(Config{})
	key := createTestKey("1S")

	agg.ApplyTick(key, tick(5000, 10, 1))
	updates := agg.ApplyTick(key, tick(3000, 99, 1))

	assert.Empty(t, updates, "Older ticks must never produce a bar")
	live, _ := agg.Live(key)
	assert.Equal(t, 10.0, live.High, "Live bar must be untouched")
}

// Test_ApplyTick_IndependentSeries tests that resolutions keep separate state
func Test_ApplyTick_IndependentSeries(t *testing.T) {
	agg := NewAggregator(Config{})
	sec := createTestKey("1S")
	minute := createTestKey("1")

	for _, tk := range []model.ValueTick{tick(1000, 1, 1), tick(2500, 2, 1), tick(61000, 3, 1)} {
		agg.ApplyTick(sec, tk)
		agg.ApplyTick(minute, tk)
	}

	secBar, _ := agg.Live(sec)
	minBar, _ := agg.Live(minute)
	assert.Equal(t, int64(61000), secBar.Time)
	assert.Equal(t, int64(60000), minBar.Time)
	assert.Equal(t, 2.0, minBar.Open, "Minute bar opens at previous minute close")
	assert.Equal(t, []Key{sec, minute}, agg.Keys())
}

// Test_Seed tests installing a historical bar as the live bar
func Test_Seed(t *testing.T) {
	agg := NewAggregator(Config{})
	key := createTestKey("1S")

	assert.True(t, agg.Seed(key, model.Bar{Time: 5000, Open: 1, High: 2, Low: 1, Close: 2}))
	assert.False(t, agg.Seed(key, model.Bar{Time: 4000, Open: 1, High: 1, Low: 1, Close: 1}), "Older seeds are ignored")

	updates := agg.ApplyTick(key, tick(6100, 3, 1))
	require.Len(t, updates, 1)
	assert.Equal(t, 2.0, updates[0].Bar.Open, "Live series continues from the seeded close")
}

// Test_Reset tests that reset discards every series
func Test_Reset(t *testing.T) {
	agg := NewAggregator(Config{})
	key := createTestKey("5")
	agg.ApplyTick(key, tick(1000, 1, 1))

	agg.Reset()

	_, ok := agg.Live(key)
	assert.False(t, ok)
	updates := agg.ApplyTick(key, tick(1000, 7, 1))
	assert.Equal(t, BarNew, updates[0].Kind, "First tick after reset opens a fresh series")
	assert.Equal(t, 7.0, updates[0].Bar.Open)
}
