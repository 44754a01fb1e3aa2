// Package candles provides real-time OHLC bar construction from a stream of
// display-space price ticks.
//
// Thread Safety:
//   - The Aggregator is not safe for concurrent use
//   - It is owned by a single session loop that serialises every call
//   - Returned bars are copies; callers may keep them
package candles

import (
	"sort"

	"chartsync/internal/model"
	"chartsync/internal/resolution"

	"github.com/rs/zerolog/log"
)

// defaultMaxGapFill bounds the number of synthetic bars emitted for one gap.
const defaultMaxGapFill = 1440

// Key identifies one live bar series.
type Key struct {
	Instrument string
	Resolution resolution.Resolution
}

// UpdateKind tells the consumer how a BarUpdate relates to the live series.
type UpdateKind int

const (
	// BarNew starts a new bucket; previous bars are frozen.
	BarNew UpdateKind = iota

	// BarUpdated mutates the live bar of the current bucket.
	BarUpdated

	// BarGapFill is a synthetic flat bar for a bucket no tick arrived in.
	BarGapFill
)

func (k UpdateKind) String() string {
	switch k {
	case BarNew:
		return "new"
	case BarUpdated:
		return "update"
	case BarGapFill:
		return "gap_fill"
	}
	return "unknown"
}

// BarUpdate is one bar emission produced by ApplyTick.
type BarUpdate struct {
	Key  Key
	Bar  model.Bar
	Kind UpdateKind
}

// Config holds aggregator tuning parameters.
type Config struct {
	// MaxGapFill caps how many synthetic bars one gap produces. Only the most
	// recent buckets are filled when a gap is wider than the cap.
	MaxGapFill int
}

// Aggregator maintains the last bar per (instrument, resolution) and applies
// ticks to it.
//
// The Aggregator implements the live half of a candlestick series:
//   - The first tick of a session opens the first bar at the tick value
//   - Ticks in the live bucket mutate the live bar in place
//   - A tick in a later bucket freezes the live bar and opens a new one at
//     the previous close
//   - Whole buckets without ticks are filled with flat zero-volume bars
//   - Ticks older than the live bucket are dropped
type Aggregator struct {
	cfg Config

	// bars maintains the current live bar for each series.
	bars map[Key]*model.Bar
}

// NewAggregator creates a new bar aggregator with the specified configuration.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.MaxGapFill <= 0 {
		cfg.MaxGapFill = defaultMaxGapFill
	}
	return &Aggregator{
		cfg:  cfg,
		bars: make(map[Key]*model.Bar),
	}
}

// ApplyTick folds one tick into the series identified by key and returns the
// bars to emit, oldest first. Gap-fill bars always precede the new live bar
// they lead up to.
func (agg *Aggregator) ApplyTick(key Key, tick model.ValueTick) []BarUpdate {
	width := key.Resolution.WidthMillis()
	start := key.Resolution.BucketStart(tick.Time)

	current, found := agg.bars[key]
	if !found {
		bar := &model.Bar{
			Time:   start,
			Open:   tick.Value,
			High:   tick.Value,
			Low:    tick.Value,
			Close:  tick.Value,
			Volume: tick.Volume,
		}
		agg.bars[key] = bar
		return []BarUpdate{{Key: key, Bar: *bar, Kind: BarNew}}
	}

	switch {
	case start < current.Time:
		log.Debug().
			Str("instrument", key.Instrument).
			Str("resolution", key.Resolution.String()).
			Int64("bucket", start).
			Int64("live", current.Time).
			Msg("dropping tick older than live bar")
		return nil

	case start == current.Time:
		if tick.Value > current.High {
			current.High = tick.Value
		}
		if tick.Value < current.Low {
			current.Low = tick.Value
		}
		current.Close = tick.Value
		current.Volume += tick.Volume
		return []BarUpdate{{Key: key, Bar: *current, Kind: BarUpdated}}
	}

	prevClose := current.Close
	updates := agg.gapFill(key, current.Time+width, start, width, prevClose)

	bar := &model.Bar{
		Time:   start,
		Open:   prevClose,
		High:   max(prevClose, tick.Value),
		Low:    min(prevClose, tick.Value),
		Close:  tick.Value,
		Volume: tick.Volume,
	}
	agg.bars[key] = bar

	return append(updates, BarUpdate{Key: key, Bar: *bar, Kind: BarNew})
}

// gapFill synthesises flat bars for every bucket in [from, until).
func (agg *Aggregator) gapFill(key Key, from, until, width int64, price float64) []BarUpdate {
	if from >= until {
		return nil
	}

	missing := (until - from) / width
	if missing > int64(agg.cfg.MaxGapFill) {
		log.Warn().
			Str("instrument", key.Instrument).
			Str("resolution", key.Resolution.String()).
			Int64("missing", missing).
			Int("filled", agg.cfg.MaxGapFill).
			Msg("gap wider than fill cap, filling most recent buckets only")
		from = until - int64(agg.cfg.MaxGapFill)*width
		missing = int64(agg.cfg.MaxGapFill)
	}

	updates := make([]BarUpdate, 0, missing+1)
	for t := from; t < until; t += width {
		updates = append(updates, BarUpdate{Key: key, Bar: model.Flat(t, price), Kind: BarGapFill})
	}
	return updates
}

// Seed installs bar as the live bar of key, typically the last bar of a
// historical backfill, so that the live series continues from it. A seed
// older than the current live bar is ignored; Seed reports whether it was
// applied.
func (agg *Aggregator) Seed(key Key, bar model.Bar) bool {
	if current, found := agg.bars[key]; found && bar.Time < current.Time {
		return false
	}
	b := bar
	agg.bars[key] = &b
	return true
}

// Live returns a copy of the live bar for key.
func (agg *Aggregator) Live(key Key) (model.Bar, bool) {
	bar, found := agg.bars[key]
	if !found {
		return model.Bar{}, false
	}
	return *bar, true
}

// Keys returns every series the aggregator currently tracks, ordered by
// instrument then bucket width.
func (agg *Aggregator) Keys() []Key {
	keys := make([]Key, 0, len(agg.bars))
	for k := range agg.bars {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Instrument != keys[j].Instrument {
			return keys[i].Instrument < keys[j].Instrument
		}
		return keys[i].Resolution.WidthMillis() < keys[j].Resolution.WidthMillis()
	})
	return keys
}

// Reset discards all live bars.
func (agg *Aggregator) Reset() {
	agg.bars = make(map[Key]*model.Bar)
}
