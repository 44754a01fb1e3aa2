package service

import (
	"chartsync/internal/avgprice"
	"chartsync/internal/backfill"
	"chartsync/internal/candles"
	"chartsync/internal/feed"
	"chartsync/internal/ledger"
	"chartsync/internal/model"
	"chartsync/internal/resolution"
	"chartsync/internal/valuation"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultTickBufferLimit   = 4096
	defaultHistoryRetries    = 3
	defaultHistoryRetryDelay = 500 * time.Millisecond
	defaultRequestQueue      = 64
)

// Session errors.
var (
	// ErrNoRenderer is fatal: a session cannot run without a chart to draw on.
	ErrNoRenderer = errors.New("chart renderer is required")

	ErrNoFeed            = errors.New("feed connection is required")
	ErrNoHistory         = errors.New("history source is required")
	ErrNoInstrument      = errors.New("instrument is required")
	ErrSessionNotStarted = errors.New("session not started")
	ErrSessionStarted    = errors.New("session has already started")
	ErrSessionStopped    = errors.New("session stopped")
)

// Renderer is the chart widget. The session calls it but never implements
// it; every call happens on the session loop.
type Renderer interface {
	avgprice.Drawer

	// OnMarks replaces the marks shown for res.
	OnMarks(res resolution.Resolution, marks []model.Mark)

	// RefreshMarks asks the chart to pull marks again.
	RefreshMarks()

	// ResetData makes the chart discard its bars and request history anew.
	ResetData()

	// ClearMarks removes every mark from the chart.
	ClearMarks()
}

// FeedConnection is the live tick and trade stream.
type FeedConnection interface {
	Connect(ctx context.Context, intent feed.IntentProvider) error
	Send(msg []byte) error
	Events() <-chan model.FeedEvent
	Close()
}

// HistorySource is the historical data source.
type HistorySource interface {
	FetchCandles(ctx context.Context, req backfill.CandleRequest) (backfill.Candles, error)
	FetchInitialTrades(ctx context.Context, instrument string) (backfill.InitialTrades, error)
}

// SessionConfig holds the per-chart preferences and tuning.
type SessionConfig struct {
	Instrument string
	Currency   model.Currency
	Mode       model.ValueMode

	// Resolution is the resolution the chart is currently showing marks for.
	Resolution resolution.Resolution

	// Filters gates mark categories; nil enables all.
	Filters ledger.Filters

	// TrackedWallets names wallets for "other" marks.
	TrackedWallets map[string]string

	// InitialSupply seeds the supply ref until a tick or backfill updates it.
	InitialSupply decimal.Decimal

	MaxGapFill        int
	TickBufferLimit   int
	HistoryRetries    int
	HistoryRetryDelay time.Duration
}

// Deps are the session's collaborators.
type Deps struct {
	Feed     FeedConnection
	History  HistorySource
	Renderer Renderer
	Codec    *feed.Codec
}

// HistoryRequest asks for one window of historical bars.
type HistoryRequest struct {
	Resolution resolution.Resolution
	From       int64 // ms
	To         int64 // ms
	CountBack  int
}

// HistoryResult is what the chart receives for a history request. A failed
// backfill is reported as NoData, never as an error.
type HistoryResult struct {
	Bars   []model.Bar
	NoData bool
}

// Session is one chart mount for one instrument.
//
// A single goroutine owns the aggregator, ledger, tracker and tick buffer.
// Feed events and API calls are both serialised onto it; API calls travel as
// closures over the request channel. Only historical fetches run outside the
// loop, and ticks arriving while any fetch is outstanding are buffered and
// replayed once the fetched state is in place.
type Session struct {
	id     string
	cfg    SessionConfig
	feed   FeedConnection
	source HistorySource
	render Renderer
	codec  *feed.Codec
	logger zerolog.Logger

	registry *Registry
	supply   *valuation.SupplyRef

	// Owned by the loop goroutine.
	agg        *candles.Aggregator
	ledger     *ledger.Ledger
	tracker    *avgprice.Tracker
	filters    ledger.Filters
	currency   model.Currency
	mode       model.ValueMode
	active     resolution.Resolution
	pending    int
	buffer     []model.ValueTick
	generation uint64

	requests  chan func()
	started   atomic.Bool
	stopOnce  sync.Once
	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSession validates deps and builds an unstarted session.
func NewSession(cfg SessionConfig, deps Deps) (*Session, error) {
	if deps.Renderer == nil {
		return nil, ErrNoRenderer
	}
	if deps.Feed == nil {
		return nil, ErrNoFeed
	}
	if deps.History == nil {
		return nil, ErrNoHistory
	}
	if cfg.Instrument == "" {
		return nil, ErrNoInstrument
	}
	if deps.Codec == nil {
		deps.Codec = feed.NewCodec()
	}
	if cfg.Filters == nil {
		cfg.Filters = ledger.AllFilters()
	}
	if cfg.TickBufferLimit <= 0 {
		cfg.TickBufferLimit = defaultTickBufferLimit
	}
	if cfg.HistoryRetries <= 0 {
		cfg.HistoryRetries = defaultHistoryRetries
	}
	if cfg.HistoryRetryDelay <= 0 {
		cfg.HistoryRetryDelay = defaultHistoryRetryDelay
	}
	if cfg.Resolution.IsZero() {
		cfg.Resolution = resolution.MustParse("1")
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		cfg:      cfg,
		feed:     deps.Feed,
		source:   deps.History,
		render:   deps.Renderer,
		codec:    deps.Codec,
		registry: NewRegistry(cfg.Instrument),
		supply:   valuation.NewSupplyRef(cfg.InitialSupply),
		agg:      candles.NewAggregator(candles.Config{MaxGapFill: cfg.MaxGapFill}),
		ledger:   ledger.New(ledger.Config{TrackedWallets: cfg.TrackedWallets}),
		filters:  cfg.Filters,
		currency: cfg.Currency,
		mode:     cfg.Mode,
		active:   cfg.Resolution,
		requests: make(chan func(), defaultRequestQueue),
		done:     make(chan struct{}),
		logger: log.With().
			Str("component", "session").
			Str("session", id).
			Str("mint", cfg.Instrument).
			Logger(),
	}
	s.tracker = avgprice.NewTracker(safeDrawer{s}, cfg.Currency, cfg.Mode)
	return s, nil
}

// ID returns the generated session id.
func (s *Session) ID() string {
	return s.id
}

// Connected reports whether the feed socket is currently open.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Start launches the event loop and fetches the initial trade snapshot.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSessionStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.run()
	go s.loadInitialTrades()

	s.logger.Info().
		Str("currency", s.currency.String()).
		Str("mode", s.mode.String()).
		Str("resolution", s.active.String()).
		Msg("session started")
	return nil
}

// Stop ends the loop, closes the feed socket and waits for the loop to exit.
func (s *Session) Stop() error {
	if !s.started.Load() {
		return ErrSessionNotStarted
	}
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
		s.feed.Close()
		s.connected.Store(false)
		s.logger.Info().Msg("session stopped")
	})
	return nil
}

// run is the event loop.
func (s *Session) run() {
	defer close(s.done)
	defer s.teardown()

	events := s.feed.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.requests:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) teardown() {
	s.registry.Reset()
	s.agg.Reset()
	s.ledger.Reset()
	s.tracker.Reset()
	s.buffer = nil
}

// do runs fn on the loop and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	if !s.started.Load() {
		return ErrSessionNotStarted
	}
	finished := make(chan struct{})
	req := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionStopped
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrSessionStopped
		}
	}
}

// Subscribe registers callback for bars of res and makes sure the feed is
// connected. An empty id is replaced with a generated one, which is returned.
func (s *Session) Subscribe(ctx context.Context, id string, res resolution.Resolution, callback BarCallback) (string, error) {
	var (
		sub Subscriber
		err error
	)
	if derr := s.do(ctx, func() {
		sub, err = s.registry.Subscribe(id, res, callback)
		if err != nil {
			return
		}
		if cerr := s.feed.Connect(s.ctx, s.registry); cerr != nil {
			s.logger.Error().Err(cerr).Msg("feed connect failed")
			return
		}
		s.sendJoin(s.registry.JoinFor(sub))
	}); derr != nil {
		return "", derr
	}
	if err != nil {
		return "", fmt.Errorf("subscribe: %w", err)
	}
	return sub.ID, nil
}

// sendJoin sends a join on an already open socket. When the socket is not
// open yet the join goes out with the connection intent instead.
func (s *Session) sendJoin(j feed.Join) {
	msg, err := s.codec.EncodeJoin(j)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode join")
		return
	}
	if err := s.feed.Send(msg); err != nil {
		s.logger.Debug().Err(err).Msg("join deferred to connection intent")
	}
}

// Unsubscribe removes a subscription. Once nobody is subscribed the feed
// stops reconnecting.
func (s *Session) Unsubscribe(ctx context.Context, id string) error {
	return s.do(ctx, func() {
		if s.registry.Unsubscribe(id) && s.registry.Len() == 0 {
			s.logger.Info().Msg("no subscribers left, reconnection suppressed")
		}
	})
}

// History fetches a window of bars. The fetch runs off the loop; live ticks
// are buffered until its result has been folded into the session state.
func (s *Session) History(ctx context.Context, req HistoryRequest) (HistoryResult, error) {
	if req.Resolution.IsZero() {
		return HistoryResult{}, ErrZeroResolution
	}
	var (
		generation uint64
		currency   model.Currency
		mode       model.ValueMode
	)
	if err := s.do(ctx, func() {
		s.pending++
		generation, currency, mode = s.generation, s.currency, s.mode
	}); err != nil {
		return HistoryResult{}, err
	}

	fetched, ferr := s.fetchCandles(ctx, backfill.CandleRequest{
		Instrument: s.cfg.Instrument,
		Resolution: req.Resolution,
		Currency:   currency,
		From:       req.From,
		To:         req.To,
		CountBack:  req.CountBack,
	})

	var result HistoryResult
	err := s.do(context.Background(), func() {
		defer s.historyDone()

		if ferr != nil {
			s.logger.Warn().Err(ferr).Str("resolution", req.Resolution.String()).Msg("history unavailable")
			result.NoData = true
			return
		}
		if generation != s.generation || mode != s.mode || currency != s.currency {
			s.logger.Debug().Msg("discarding history fetched before a reset")
			result.NoData = true
			return
		}
		s.supply.Store(fetched.Supply)
		result = s.seedHistory(req.Resolution, fetched)
	})
	if err != nil {
		return HistoryResult{}, err
	}
	return result, nil
}

// fetchCandles retries the backfill a bounded number of times.
func (s *Session) fetchCandles(ctx context.Context, req backfill.CandleRequest) (backfill.Candles, error) {
	var lastErr error
	delay := s.cfg.HistoryRetryDelay
	for attempt := 1; attempt <= s.cfg.HistoryRetries; attempt++ {
		out, err := s.source.FetchCandles(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("history fetch failed")
		if attempt == s.cfg.HistoryRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return backfill.Candles{}, ctx.Err()
		}
	}
	return backfill.Candles{}, fmt.Errorf("after %d attempts: %w", s.cfg.HistoryRetries, lastErr)
}

// seedHistory projects fetched bars into display space and installs the
// newest one as the live bar of its series.
func (s *Session) seedHistory(res resolution.Resolution, fetched backfill.Candles) HistoryResult {
	if fetched.NoData || len(fetched.Bars) == 0 {
		return HistoryResult{NoData: true}
	}

	supply := s.supply.Load().InexactFloat64()
	bars := make([]model.Bar, 0, len(fetched.Bars))
	for _, b := range fetched.Bars {
		b.Time = res.BucketStart(b.Time)
		bars = append(bars, valuation.TransformBar(b, supply, s.mode))
	}

	key := candles.Key{Instrument: s.cfg.Instrument, Resolution: res}
	s.agg.Seed(key, bars[len(bars)-1])
	return HistoryResult{Bars: bars}
}

// historyDone closes one outstanding fetch and flushes buffered ticks once
// none remain.
func (s *Session) historyDone() {
	if s.pending > 0 {
		s.pending--
	}
	if s.pending > 0 || len(s.buffer) == 0 {
		return
	}
	buffered := s.buffer
	s.buffer = nil
	s.logger.Debug().Int("ticks", len(buffered)).Msg("flushing buffered ticks")
	for _, tick := range buffered {
		s.applyTick(tick)
	}
}

// Marks returns the filtered marks for res.
func (s *Session) Marks(ctx context.Context, res resolution.Resolution) ([]model.Mark, error) {
	var marks []model.Mark
	err := s.do(ctx, func() {
		marks = s.ledger.Marks(res, s.filters)
	})
	return marks, err
}

// SetFilters changes the enabled mark categories. The ledger is untouched;
// the chart's marks are cleared and redrawn from it.
func (s *Session) SetFilters(ctx context.Context, filters ledger.Filters) error {
	return s.do(ctx, func() {
		s.filters = filters
		s.safe("ClearMarks", s.render.ClearMarks)
		s.pushMarks(s.active)
		s.safe("RefreshMarks", s.render.RefreshMarks)
	})
}

// SetCurrency switches the quote currency and resets all derived state.
func (s *Session) SetCurrency(ctx context.Context, c model.Currency) error {
	return s.do(ctx, func() {
		if c == s.currency {
			return
		}
		s.currency = c
		s.tracker.SetCurrency(c)
		s.reset("currency")
	})
}

// SetValueMode switches between price and market cap and resets all derived
// state. Bars are rebuilt from history, never rescaled in place.
func (s *Session) SetValueMode(ctx context.Context, m model.ValueMode) error {
	return s.do(ctx, func() {
		if m == s.mode {
			return
		}
		s.mode = m
		s.tracker.SetMode(m)
		s.reset("mode")
	})
}

// reset discards live bars and buffered ticks, redraws the average lines
// from the ledger and asks the chart to reload.
func (s *Session) reset(reason string) {
	s.generation++
	s.agg.Reset()
	s.buffer = nil
	s.replayLines()
	s.safe("ResetData", s.render.ResetData)
	s.logger.Info().
		Str("reason", reason).
		Str("currency", s.currency.String()).
		Str("mode", s.mode.String()).
		Msg("session reset")
}

// SetResolution changes the resolution marks and average lines are shown for.
func (s *Session) SetResolution(ctx context.Context, res resolution.Resolution) error {
	if res.IsZero() {
		return ErrZeroResolution
	}
	return s.do(ctx, func() {
		if res == s.active {
			return
		}
		s.active = res
		s.backfillLedger(res)
		s.tracker.Reset()
		s.replayLines()
		s.safe("ClearMarks", s.render.ClearMarks)
		s.pushMarks(res)
	})
}

// SetLineVisible shows or hides the average line of side.
func (s *Session) SetLineVisible(ctx context.Context, side model.Side, visible bool) error {
	return s.do(ctx, func() {
		s.tracker.SetVisible(side, visible)
	})
}

// Subscribers returns the number of live subscriptions.
func (s *Session) Subscribers() int {
	return s.registry.Len()
}

func (s *Session) handleEvent(ev model.FeedEvent) {
	switch ev.Kind {
	case model.EventConnected:
		s.connected.Store(true)
		s.logger.Info().Msg("feed connected")
	case model.EventDisconnected:
		s.connected.Store(false)
		s.logger.Info().Msg("feed disconnected")
	case model.EventHeartbeatLost:
		s.logger.Warn().Msg("feed heartbeat lost")
	case model.EventPriceTick:
		if ev.Tick != nil {
			s.handleTick(*ev.Tick, ev.ReceivedAt)
		}
	case model.EventTrade, model.EventTradeSnapshot:
		s.ingestTrades(ev.Trades)
	default:
		s.logger.Debug().Stringer("kind", ev.Kind).Msg("ignoring event")
	}
}

// handleTick projects a tick with the supply in effect now and either
// applies it or buffers it behind an outstanding backfill.
func (s *Session) handleTick(tick model.PriceTick, receivedAt time.Time) {
	if tick.Supply.IsPositive() {
		s.supply.Store(tick.Supply)
	}

	// A tick may omit the quote of the other currency; it decodes as zero.
	quote := tick.Quote(s.currency)
	if !quote.IsPositive() {
		s.logger.Debug().Str("currency", s.currency.String()).Msg("dropping tick without a positive quote")
		return
	}

	ts := receivedAt.UnixMilli()
	if tick.Timestamp > 0 {
		ts = model.ToMillis(tick.Timestamp)
	}
	vt := model.ValueTick{
		Time:   ts,
		Value:  valuation.DisplayValue(quote, s.supply.Load(), s.mode),
		Volume: tick.Volume.InexactFloat64(),
	}

	if s.pending > 0 {
		if len(s.buffer) >= s.cfg.TickBufferLimit {
			s.logger.Warn().Int("limit", s.cfg.TickBufferLimit).Msg("tick buffer full, dropping oldest")
			s.buffer = s.buffer[1:]
		}
		s.buffer = append(s.buffer, vt)
		return
	}
	s.applyTick(vt)
}

// applyTick folds one tick into every maintained series and dispatches the
// results. Series without a subscriber are kept current but emit nothing.
func (s *Session) applyTick(vt model.ValueTick) {
	for _, res := range s.seriesResolutions() {
		key := candles.Key{Instrument: s.cfg.Instrument, Resolution: res}
		for _, u := range s.agg.ApplyTick(key, vt) {
			s.registry.Dispatch(res, u.Bar)
		}
	}
}

// seriesResolutions is every resolution with a subscriber or a live bar.
func (s *Session) seriesResolutions() []resolution.Resolution {
	set := make(map[resolution.Resolution]struct{})
	for _, res := range s.registry.Resolutions() {
		set[res] = struct{}{}
	}
	for _, key := range s.agg.Keys() {
		if key.Instrument == s.cfg.Instrument {
			set[key.Resolution] = struct{}{}
		}
	}
	return sortedResolutions(set)
}

// markResolutions is every resolution trades are kept for.
func (s *Session) markResolutions() []resolution.Resolution {
	set := map[resolution.Resolution]struct{}{s.active: {}}
	for _, res := range s.registry.Resolutions() {
		set[res] = struct{}{}
	}
	for _, res := range s.ledger.Resolutions() {
		set[res] = struct{}{}
	}
	return sortedResolutions(set)
}

func sortedResolutions(set map[resolution.Resolution]struct{}) []resolution.Resolution {
	out := make([]resolution.Resolution, 0, len(set))
	for res := range set {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WidthMillis() < out[j].WidthMillis() })
	return out
}

// ingestTrades stores trades per resolution, updates the average lines and
// pushes marks for every resolution that changed.
func (s *Session) ingestTrades(trades []model.Trade) {
	if len(trades) == 0 {
		return
	}
	changed := make(map[resolution.Resolution]struct{})
	resolutions := s.markResolutions()
	for _, trade := range trades {
		accepted := false
		for _, res := range resolutions {
			r := s.ledger.Ingest(res, trade)
			if r.Accepted {
				accepted = true
				changed[res] = struct{}{}
			}
		}
		if accepted {
			s.tracker.Observe(trade)
		}
	}
	for _, res := range sortedResolutions(changed) {
		s.pushMarks(res)
	}
}

// backfillLedger copies every known trade into the book of res.
func (s *Session) backfillLedger(res resolution.Resolution) {
	for _, other := range s.ledger.Resolutions() {
		if other == res {
			continue
		}
		for _, trade := range s.ledger.Trades(other) {
			s.ledger.Ingest(res, trade)
		}
	}
}

// replayLines recomputes the average lines from the trades of the active
// resolution, for example after a currency switch.
func (s *Session) replayLines() {
	for _, trade := range s.ledger.Trades(s.active) {
		s.tracker.Observe(trade)
	}
}

func (s *Session) pushMarks(res resolution.Resolution) {
	marks := s.ledger.Marks(res, s.filters)
	s.safe("OnMarks", func() { s.render.OnMarks(res, marks) })
}

// loadInitialTrades fetches the trade snapshot once and ingests it on the
// loop. A failure leaves the chart without historical marks.
func (s *Session) loadInitialTrades() {
	var (
		snapshot backfill.InitialTrades
		err      error
	)
	for attempt := 1; attempt <= s.cfg.HistoryRetries; attempt++ {
		snapshot, err = s.source.FetchInitialTrades(s.ctx, s.cfg.Instrument)
		if err == nil || s.ctx.Err() != nil {
			break
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("initial trades fetch failed")
		if attempt < s.cfg.HistoryRetries && !sleepCtx(s.ctx, s.cfg.HistoryRetryDelay) {
			return
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("initial trades unavailable")
		return
	}

	trades := snapshot.All()
	if derr := s.do(s.ctx, func() { s.ingestTrades(trades) }); derr != nil {
		s.logger.Debug().Err(derr).Msg("initial trades dropped")
		return
	}
	s.logger.Info().Int("trades", len(trades)).Msg("initial trades loaded")
}

// safe calls into the renderer, recovering panics so a broken chart widget
// cannot take the loop down.
func (s *Session) safe(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Any("recover", rec).Str("call", name).Msg("panic in renderer")
		}
	}()
	fn()
}

// safeDrawer routes tracker draws through the panic guard.
type safeDrawer struct {
	s *Session
}

func (d safeDrawer) DrawAverageLine(line model.AveragePriceLine) {
	d.s.safe("DrawAverageLine", func() { d.s.render.DrawAverageLine(line) })
}

func (d safeDrawer) RemoveAverageLine(side model.Side) {
	d.s.safe("RemoveAverageLine", func() { d.s.render.RemoveAverageLine(side) })
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
