// Package resolution maps chart resolution codes to typed bucket widths.
//
// Resolution strings ("1S", "5", "1D", ...) are parsed exactly once, at the
// boundary, into a Resolution value. Every other component works with the
// typed value and asks it for its width or a bucket start.
package resolution

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by Parse for codes outside the resolution table.
var ErrUnsupported = errors.New("unsupported resolution")

// Unit is the time unit of a resolution.
type Unit int

const (
	Seconds Unit = iota
	Minutes
	Day
)

const (
	secondMillis = int64(1000)
	minuteMillis = 60 * secondMillis
	dayMillis    = 24 * 60 * minuteMillis
)

// Resolution is a parsed bucket width selector.
type Resolution struct {
	Unit Unit
	N    int64
	code string
}

// table is the single source of truth for supported resolution codes.
var table = map[string]Resolution{
	"1S":   {Unit: Seconds, N: 1, code: "1S"},
	"5S":   {Unit: Seconds, N: 5, code: "5S"},
	"15S":  {Unit: Seconds, N: 15, code: "15S"},
	"30S":  {Unit: Seconds, N: 30, code: "30S"},
	"1":    {Unit: Minutes, N: 1, code: "1"},
	"3":    {Unit: Minutes, N: 3, code: "3"},
	"5":    {Unit: Minutes, N: 5, code: "5"},
	"15":   {Unit: Minutes, N: 15, code: "15"},
	"30":   {Unit: Minutes, N: 30, code: "30"},
	"60":   {Unit: Minutes, N: 60, code: "60"},
	"120":  {Unit: Minutes, N: 120, code: "120"},
	"240":  {Unit: Minutes, N: 240, code: "240"},
	"720":  {Unit: Minutes, N: 720, code: "720"},
	"1440": {Unit: Day, N: 1, code: "1D"},
	"1D":   {Unit: Day, N: 1, code: "1D"},
	"D":    {Unit: Day, N: 1, code: "1D"},
}

// Parse resolves a resolution code against the table.
func Parse(code string) (Resolution, error) {
	r, ok := table[code]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
	return r, nil
}

// MustParse is Parse for codes known at compile time. It panics on error.
func MustParse(code string) Resolution {
	r, err := Parse(code)
	if err != nil {
		panic(err)
	}
	return r
}

// Codes returns the canonical codes of every supported resolution.
func Codes() []string {
	return []string{"1S", "5S", "15S", "30S", "1", "3", "5", "15", "30", "60", "120", "240", "720", "1D"}
}

// String returns the canonical code. Day aliases all render as "1D".
func (r Resolution) String() string {
	return r.code
}

// IsZero reports whether r is the zero value (never produced by Parse).
func (r Resolution) IsZero() bool {
	return r.N == 0
}

// WidthMillis returns the bucket width in milliseconds.
func (r Resolution) WidthMillis() int64 {
	switch r.Unit {
	case Seconds:
		return r.N * secondMillis
	case Minutes:
		return r.N * minuteMillis
	default:
		return r.N * dayMillis
	}
}

// BucketStart returns the start of the bucket containing ts (milliseconds).
// Floor division keeps pre-epoch timestamps in the correct bucket. The zero
// Resolution has no width and returns ts unchanged.
func (r Resolution) BucketStart(ts int64) int64 {
	w := r.WidthMillis()
	if w <= 0 {
		return ts
	}
	q := ts / w
	if ts%w != 0 && ts < 0 {
		q--
	}
	return q * w
}
