package feed

import (
	"testing"
	"time"

	"chartsync/internal/model"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_Decode tests discrimination of every inbound frame shape
func Test_Decode(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	tests := []struct {
		name        string
		raw         string
		expectKind  model.EventKind
		expectError bool
		check       func(t *testing.T, ev model.FeedEvent)
		description string
	}{
		{
			name:        "Heartbeat",
			raw:         `{"channel":"ping"}`,
			expectKind:  model.EventHeartbeat,
			description: "Ping frames are heartbeats",
		},
		{
			name:        "Ack",
			raw:         `{"success":true}`,
			expectKind:  model.EventAck,
			description: "Success acks are recognised",
		},
		{
			name:       "Single trade",
			raw:        `{"signature":"sig1","wallet":"w1","letter":"B","timestamp":1700000000,"price":"0.00002","price_usd":"0.004","supply":"1000000000","colour":"#fff"}`,
			expectKind: model.EventTrade,
			check: func(t *testing.T, ev model.FeedEvent) {
				require.Len(t, ev.Trades, 1)
				assert.Equal(t, "sig1", ev.Trades[0].Signature)
				assert.Equal(t, model.TradeLetter("B"), ev.Trades[0].Letter)
				assert.Equal(t, int64(1700000000), ev.Trades[0].Timestamp)
				assert.Equal(t, "0.00002", ev.Trades[0].Price)
			},
			description: "Objects with a letter are trades",
		},
		{
			name:       "Trade snapshot",
			raw:        `{"channel":"chartTrades","data":[{"signature":"a","letter":"SB","timestamp":1,"price":"1"},{"signature":"b","letter":"DS","timestamp":2,"price":"2","imageUrl":"x","name":"n"}]}`,
			expectKind: model.EventTradeSnapshot,
			check: func(t *testing.T, ev model.FeedEvent) {
				require.Len(t, ev.Trades, 2)
				assert.Equal(t, "b", ev.Trades[1].Signature)
				assert.Equal(t, "x", ev.Trades[1].ImageURL)
				assert.Equal(t, "n", ev.Trades[1].Name)
			},
			description: "chartTrades frames carry the initial snapshot",
		},
		{
			name:       "Empty snapshot",
			raw:        `{"channel":"chartTrades","data":null}`,
			expectKind: model.EventTradeSnapshot,
			check: func(t *testing.T, ev model.FeedEvent) {
				assert.Empty(t, ev.Trades)
			},
			description: "A null snapshot is an empty snapshot",
		},
		{
			name:       "Price tick strings",
			raw:        `{"price":"0.0000321","price_usd":"0.0061","supply":"999999999","volume_sol":"1.5"}`,
			expectKind: model.EventPriceTick,
			check: func(t *testing.T, ev model.FeedEvent) {
				require.NotNil(t, ev.Tick)
				assert.True(t, ev.Tick.Price.Equal(decimal.RequireFromString("0.0000321")))
				assert.True(t, ev.Tick.Supply.Equal(decimal.NewFromInt(999999999)))
				assert.True(t, ev.Tick.Volume.Equal(decimal.RequireFromString("1.5")))
				assert.Zero(t, ev.Tick.Timestamp)
			},
			description: "Price ticks decode string amounts",
		},
		{
			name:       "Price tick numbers",
			raw:        `{"price":0.5,"price_usd":90,"supply":100,"volume_sol":2,"timestamp":1700000000123}`,
			expectKind: model.EventPriceTick,
			check: func(t *testing.T, ev model.FeedEvent) {
				assert.True(t, ev.Tick.PriceUSD.Equal(decimal.NewFromInt(90)))
				assert.Equal(t, int64(1700000000123), ev.Tick.Timestamp)
			},
			description: "Price ticks decode numeric amounts and an optional timestamp",
		},
		{name: "Zero price tick", raw: `{"price":"0","supply":"1"}`, expectError: true, description: "Ticks must carry a positive price"},
		{name: "Negative volume", raw: `{"price":"1","volume_sol":"-1"}`, expectError: true, description: "Negative volume is rejected"},
		{name: "Bad price text", raw: `{"price":"abc"}`, expectError: true, description: "Unparseable amounts are decode errors"},
		{name: "Not JSON", raw: `hello`, expectError: true, description: "Non-JSON frames are decode errors"},
		{name: "Unknown object", raw: `{"foo":1}`, expectError: true, description: "Unrecognised shapes are decode errors"},
		{name: "Failed ack", raw: `{"success":false}`, expectError: true, description: "A failed ack is not an ack"},
	}

	codec := NewCodec()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := codec.Decode([]byte(tt.raw), now)

			if tt.expectError {
				require.Error(t, err, tt.description)
				assert.ErrorIs(t, err, ErrDecode)
				return
			}

			require.NoError(t, err, tt.description)
			assert.Equal(t, tt.expectKind, ev.Kind, tt.description)
			assert.Equal(t, now, ev.ReceivedAt)
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

// Test_EncodeJoin tests outbound join frames
func Test_EncodeJoin(t *testing.T) {
	codec := NewCodec()

	withCursor, err := codec.EncodeJoin(Join{Channel: ChannelPrice, Instrument: "mint1", From: 1700000000000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"chartPrice","mint":"mint1","action":"join","from":1700000000000}`, string(withCursor))

	live, err := codec.EncodeJoin(Join{Channel: ChannelTrades, Instrument: "mint1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"chartTrades","mint":"mint1","action":"join"}`, string(live))
}

// Test_Ping tests the keep-alive frame decodes back as a heartbeat
func Test_Ping(t *testing.T) {
	codec := NewCodec()

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(codec.Ping(), &decoded))
	assert.Equal(t, map[string]string{"channel": "ping"}, decoded)

	ev, err := codec.Decode(codec.Ping(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.EventHeartbeat, ev.Kind)
}

// Test_ConnectionIntent tests intent encoding
func Test_ConnectionIntent(t *testing.T) {
	codec := NewCodec()

	assert.True(t, ConnectionIntent{Instrument: "m"}.Empty())

	intent := ConnectionIntent{
		Instrument: "m",
		Joins: []Join{
			{Channel: ChannelPrice, Instrument: "m", From: 5},
			{Channel: ChannelTrades, Instrument: "m"},
		},
	}
	assert.False(t, intent.Empty())

	msgs, err := intent.Messages(codec)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"channel":"chartPrice","mint":"m","action":"join","from":5}`, string(msgs[0]))

	var provider IntentProvider = IntentFunc(func() ConnectionIntent { return intent })
	assert.Equal(t, intent, provider.Intent())
}
