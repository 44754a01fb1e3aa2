package resolution

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_Parse tests resolution parsing against the table
func Test_Parse(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		expectUnit  Unit
		expectWidth int64
		expectCode  string
		expectError bool
		description string
	}{
		{name: "One second", code: "1S", expectUnit: Seconds, expectWidth: 1000, expectCode: "1S", description: "1S is one second"},
		{name: "Fifteen seconds", code: "15S", expectUnit: Seconds, expectWidth: 15000, expectCode: "15S", description: "15S is fifteen seconds"},
		{name: "Thirty seconds", code: "30S", expectUnit: Seconds, expectWidth: 30000, expectCode: "30S", description: "30S is thirty seconds"},
		{name: "One minute", code: "1", expectUnit: Minutes, expectWidth: 60000, expectCode: "1", description: "Plain integers are minutes"},
		{name: "Five minutes", code: "5", expectUnit: Minutes, expectWidth: 300000, expectCode: "5", description: "5 is five minutes"},
		{name: "Four hours", code: "240", expectUnit: Minutes, expectWidth: 240 * 60000, expectCode: "240", description: "240 is four hours"},
		{name: "Day code", code: "1D", expectUnit: Day, expectWidth: 86400000, expectCode: "1D", description: "1D is one day"},
		{name: "Day alias D", code: "D", expectUnit: Day, expectWidth: 86400000, expectCode: "1D", description: "D aliases 1D"},
		{name: "Day alias 1440", code: "1440", expectUnit: Day, expectWidth: 86400000, expectCode: "1D", description: "1440 aliases 1D"},
		{name: "Empty", code: "", expectError: true, description: "Empty code is rejected"},
		{name: "Unknown seconds", code: "7S", expectError: true, description: "Codes outside the table are rejected"},
		{name: "Garbage", code: "abc", expectError: true, description: "Non-numeric codes are rejected"},
		{name: "Lowercase", code: "1s", expectError: true, description: "Codes are case sensitive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.code)

			if tt.expectError {
				require.Error(t, err, tt.description)
				assert.True(t, errors.Is(err, ErrUnsupported), "Should wrap ErrUnsupported")
				return
			}

			require.NoError(t, err, tt.description)
			assert.Equal(t, tt.expectUnit, r.Unit)
			assert.Equal(t, tt.expectWidth, r.WidthMillis())
			assert.Equal(t, tt.expectCode, r.String())
		})
	}
}

// Test_BucketStart tests bucket alignment for several resolutions
func Test_BucketStart(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		ts          int64
		expected    int64
		description string
	}{
		{name: "1S exact boundary", code: "1S", ts: 1000, expected: 1000, description: "Boundary ticks belong to the bucket they start"},
		{name: "1S inside bucket", code: "1S", ts: 1999, expected: 1000, description: "Ticks floor to the bucket start"},
		{name: "1S next bucket", code: "1S", ts: 2000, expected: 2000, description: "Ties roll forward"},
		{name: "5 minutes", code: "5", ts: 1700000123456, expected: 1700000100000, description: "Five minute bucket floors to 300000 multiple"},
		{name: "Day", code: "1D", ts: 1700000123456, expected: 1699920000000, description: "Day buckets align to UTC midnight"},
		{name: "Zero", code: "15S", ts: 0, expected: 0, description: "Epoch is a bucket start"},
		{name: "Negative", code: "1S", ts: -1, expected: -1000, description: "Pre-epoch timestamps floor downwards"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := MustParse(tt.code)
			assert.Equal(t, tt.expected, r.BucketStart(tt.ts), tt.description)
		})
	}
}

// Test_BucketStart_Property checks floor(t/width)*width over a sweep of timestamps
func Test_BucketStart_Property(t *testing.T) {
	oneSecond := MustParse("1S")
	fiveMinutes := MustParse("5")

	for ts := int64(1700000000000); ts < 1700000000000+900000; ts += 777 {
		assert.Equal(t, (ts/1000)*1000, oneSecond.BucketStart(ts))
		assert.Equal(t, (ts/300000)*300000, fiveMinutes.BucketStart(ts))
	}
}

// Test_BucketStart_ZeroResolution tests that the zero value never divides by zero
func Test_BucketStart_ZeroResolution(t *testing.T) {
	var zero Resolution
	require.True(t, zero.IsZero())
	assert.NotPanics(t, func() {
		assert.Equal(t, int64(1700000000123), zero.BucketStart(1700000000123))
	})
	assert.Equal(t, int64(0), zero.WidthMillis())
}

// Test_Codes tests that every canonical code parses back to itself
func Test_Codes(t *testing.T) {
	for _, code := range Codes() {
		r, err := Parse(code)
		require.NoError(t, err, "Canonical code %q should parse", code)
		assert.Equal(t, code, r.String())
	}
}

// Test_MustParse_Panics tests that MustParse panics on unknown codes
func Test_MustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("nope") })
}
