// Package backfill fetches historical candles and the initial trade snapshot
// from the REST data source that backs the chart.
package backfill

import (
	"chartsync/internal/model"
	"chartsync/internal/resolution"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultRatePerSec   = 5
	defaultBurst        = 10
	maxErrorBodyLogSize = 512

	candlesPath = "/candles"
	tradesPath  = "/trades/initial"
)

// ErrBackfill is returned for any failed historical fetch.
var ErrBackfill = errors.New("backfill failed")

// Config holds data source settings.
type Config struct {
	// BaseURL is the REST root, for example https://api.example.com/chart.
	BaseURL string

	// Timeout bounds one HTTP round trip.
	Timeout time.Duration

	// RatePerSecond and Burst throttle outgoing requests.
	RatePerSecond float64
	Burst         int

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// CandleRequest selects a window of historical bars.
type CandleRequest struct {
	Instrument string
	Resolution resolution.Resolution
	Currency   model.Currency
	From       int64 // ms
	To         int64 // ms
	CountBack  int
}

// Candles is a decoded candle response. Bars are in raw price space, sorted
// by time, with times in milliseconds.
type Candles struct {
	Bars   []model.Bar
	NoData bool
	Supply decimal.Decimal
}

// InitialTrades is the trade snapshot for an instrument, by category.
type InitialTrades struct {
	Developer []model.Trade `json:"developer_trades"`
	Insider   []model.Trade `json:"insider_trades"`
	Other     []model.Trade `json:"other_trades"`
	Sniper    []model.Trade `json:"sniper_trades"`
	User      []model.Trade `json:"user_trades"`
}

// All returns every trade of the snapshot in category order.
func (t InitialTrades) All() []model.Trade {
	out := make([]model.Trade, 0, len(t.Developer)+len(t.Insider)+len(t.Other)+len(t.Sniper)+len(t.User))
	out = append(out, t.User...)
	out = append(out, t.Developer...)
	out = append(out, t.Sniper...)
	out = append(out, t.Insider...)
	out = append(out, t.Other...)
	return out
}

type candleRow struct {
	T int64           `json:"t"`
	O decimal.Decimal `json:"o"`
	H decimal.Decimal `json:"h"`
	L decimal.Decimal `json:"l"`
	C decimal.Decimal `json:"c"`
	V decimal.Decimal `json:"v"`
}

type candleResponse struct {
	Candles []candleRow `json:"candles"`
	NoData  bool        `json:"no_data"`
	Supply  string      `json:"supply"`
	Success bool        `json:"success"`
}

// Client is the historical data source.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}, nil
}

// FetchCandles returns the bars of req's window.
func (c *Client) FetchCandles(ctx context.Context, req CandleRequest) (Candles, error) {
	q := url.Values{}
	q.Set("mint", req.Instrument)
	q.Set("resolution", req.Resolution.String())
	q.Set("currency", req.Currency.String())
	q.Set("from", strconv.FormatInt(req.From, 10))
	q.Set("to", strconv.FormatInt(req.To, 10))
	if req.CountBack > 0 {
		q.Set("countback", strconv.Itoa(req.CountBack))
	}

	var resp candleResponse
	if err := c.get(ctx, candlesPath, q, &resp); err != nil {
		return Candles{}, err
	}
	if !resp.Success {
		return Candles{}, fmt.Errorf("%w: source reported failure", ErrBackfill)
	}

	out := Candles{NoData: resp.NoData || len(resp.Candles) == 0}
	if resp.Supply != "" {
		if s, err := decimal.NewFromString(resp.Supply); err == nil {
			out.Supply = s
		} else {
			log.Warn().Err(err).Str("supply", resp.Supply).Msg("ignoring malformed supply")
		}
	}

	out.Bars = make([]model.Bar, 0, len(resp.Candles))
	for _, row := range resp.Candles {
		out.Bars = append(out.Bars, model.Bar{
			Time:   model.ToMillis(row.T),
			Open:   row.O.InexactFloat64(),
			High:   row.H.InexactFloat64(),
			Low:    row.L.InexactFloat64(),
			Close:  row.C.InexactFloat64(),
			Volume: row.V.InexactFloat64(),
		})
	}
	sort.SliceStable(out.Bars, func(i, j int) bool { return out.Bars[i].Time < out.Bars[j].Time })

	log.Debug().
		Str("mint", req.Instrument).
		Str("resolution", req.Resolution.String()).
		Int("bars", len(out.Bars)).
		Bool("noData", out.NoData).
		Msg("fetched candles")
	return out, nil
}

// FetchInitialTrades returns the trade snapshot for instrument.
func (c *Client) FetchInitialTrades(ctx context.Context, instrument string) (InitialTrades, error) {
	q := url.Values{}
	q.Set("mint", instrument)

	var resp InitialTrades
	if err := c.get(ctx, tradesPath, q, &resp); err != nil {
		return InitialTrades{}, err
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %v", ErrBackfill, err)
	}

	u := *c.base
	u.Path += path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrBackfill, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackfill, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLogSize))
		log.Warn().
			Str("path", path).
			Int("statusCode", resp.StatusCode).
			Str("body", string(body)).
			Msg("data source error")
		return fmt.Errorf("%w: status %d", ErrBackfill, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrBackfill, err)
	}
	return nil
}
