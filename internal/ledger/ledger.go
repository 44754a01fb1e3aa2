// Package ledger keeps the deduplicated trade record per resolution and
// projects it into chart marks.
//
// Trades are stored per resolution, not globally, so the same fill may live in
// several resolution books at once. Marks are never stored: they are derived
// from the books on every call, which keeps re-rendering idempotent and lets
// filter changes leave the books untouched.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"chartsync/internal/model"
	"chartsync/internal/resolution"
	"chartsync/internal/valuation"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Rejection reasons reported by Ingest.
const (
	ReasonDuplicate        = "duplicate"
	ReasonInvalidTimestamp = "invalid timestamp"
	ReasonInvalidPrice     = "invalid price"
	ReasonInvalidTrade     = "invalid trade"
)

// IngestResult reports whether a trade entered the ledger.
type IngestResult struct {
	Accepted bool
	Reason   string
}

// Config holds ledger settings.
type Config struct {
	// TrackedWallets maps wallet address to display name for marks whose
	// trade carries no name of its own.
	TrackedWallets map[string]string
}

// Filters is the set of mark categories that should produce marks.
type Filters map[model.MarkCategory]bool

// AllFilters enables every category.
func AllFilters() Filters {
	f := make(Filters, len(model.AllCategories))
	for _, c := range model.AllCategories {
		f[c] = true
	}
	return f
}

// Enabled reports whether category passes the filter.
func (f Filters) Enabled(category model.MarkCategory) bool {
	return f[category]
}

// dedupKey is the composite identity used for signed trades.
type dedupKey struct {
	signature string
	name      string
	letter    model.TradeLetter
}

// book is the per-resolution trade record in insertion order.
type book struct {
	trades   []model.Trade
	keys     map[dedupKey]struct{}
	unsigned []int
}

// Ledger deduplicates trades per resolution and classifies them into marks.
//
// The Ledger is not safe for concurrent use; the owning session serialises
// access.
type Ledger struct {
	cfg      Config
	validate *validator.Validate
	books    map[resolution.Resolution]*book
}

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	if cfg.TrackedWallets == nil {
		cfg.TrackedWallets = map[string]string{}
	}
	return &Ledger{
		cfg:      cfg,
		validate: newValidator(),
		books:    make(map[resolution.Resolution]*book),
	}
}

// newValidator registers the "amount" tag: any string the decimal parser
// accepts, exponent and leading-dot forms included.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		_, err := valuation.ParseAmount(fl.Field().String())
		return err == nil
	})
	return v
}

// Ingest adds trade to the book of res unless it is malformed or already
// present under the same (signature, name, letter).
func (l *Ledger) Ingest(res resolution.Resolution, trade model.Trade) IngestResult {
	if reason := l.check(trade); reason != "" {
		log.Debug().
			Str("signature", trade.Signature).
			Str("reason", reason).
			Msg("trade rejected")
		return IngestResult{Reason: reason}
	}

	b := l.book(res)
	if trade.Signature != "" {
		key := dedupKey{signature: trade.Signature, name: trade.Name, letter: trade.Letter}
		if _, dup := b.keys[key]; dup {
			return IngestResult{Reason: ReasonDuplicate}
		}
		b.keys[key] = struct{}{}
	} else {
		for _, i := range b.unsigned {
			prev := b.trades[i]
			if prev.SameAs(trade) && prev.Name == trade.Name {
				return IngestResult{Reason: ReasonDuplicate}
			}
		}
		b.unsigned = append(b.unsigned, len(b.trades))
	}

	b.trades = append(b.trades, trade)
	return IngestResult{Accepted: true}
}

// check validates a trade and returns a rejection reason, or "".
func (l *Ledger) check(trade model.Trade) string {
	err := l.validate.Struct(&trade)
	if err == nil {
		return ""
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ReasonInvalidTrade
	}
	for _, fe := range verrs {
		switch fe.StructField() {
		case "Timestamp":
			return ReasonInvalidTimestamp
		case "Price":
			return ReasonInvalidPrice
		}
	}
	return ReasonInvalidTrade
}

func (l *Ledger) book(res resolution.Resolution) *book {
	b, ok := l.books[res]
	if !ok {
		b = &book{keys: make(map[dedupKey]struct{})}
		l.books[res] = b
	}
	return b
}

// Marks projects the book of res into marks for the enabled categories, in
// insertion order. Mark ids are the 1-based insertion index and therefore
// stable across calls and filter changes.
func (l *Ledger) Marks(res resolution.Resolution, filters Filters) []model.Mark {
	b, ok := l.books[res]
	if !ok {
		return []model.Mark{}
	}

	marks := make([]model.Mark, 0, len(b.trades))
	for i, trade := range b.trades {
		category := Classify(trade)
		if !filters.Enabled(category) {
			continue
		}
		st := l.style(trade, category)
		marks = append(marks, model.Mark{
			ID:             i + 1,
			Time:           model.ToSeconds(trade.Timestamp),
			Color:          st.color,
			Text:           fmt.Sprintf("%s %s at %s", st.who, verb(trade.Letter.Side()), priceText(trade)),
			Label:          st.label,
			LabelFontColor: labelFontColor,
		})
	}
	return marks
}

// Trades returns a copy of the book of res in insertion order.
func (l *Ledger) Trades(res resolution.Resolution) []model.Trade {
	b, ok := l.books[res]
	if !ok {
		return nil
	}
	out := make([]model.Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// Len returns the number of trades held for res.
func (l *Ledger) Len(res resolution.Resolution) int {
	if b, ok := l.books[res]; ok {
		return len(b.trades)
	}
	return 0
}

// Resolutions returns the resolutions that have a book, narrowest first.
func (l *Ledger) Resolutions() []resolution.Resolution {
	out := make([]resolution.Resolution, 0, len(l.books))
	for r := range l.books {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WidthMillis() < out[j].WidthMillis() })
	return out
}

// Reset drops every book.
func (l *Ledger) Reset() {
	l.books = make(map[resolution.Resolution]*book)
}
