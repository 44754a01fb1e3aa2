// Package feed implements the wire codec for the chart price/trade feed.
//
// Inbound frames are JSON objects of one of these shapes:
//
//	{"channel":"ping"}                                   heartbeat
//	{"success":true}                                     ack, ignored
//	{"signature":"...","letter":"B",...}                 a single trade
//	{"channel":"chartTrades","data":[{...},{...}]}       initial trade snapshot
//	{"price":"...","price_usd":"...","supply":"...","volume_sol":"..."}  price tick
//
// Outbound frames are joins, {"channel":"chartPrice","mint":"...","action":"join","from":123},
// and the keep-alive ping, {"channel":"ping"}.
package feed

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"chartsync/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Channel names used on the wire.
const (
	ChannelPrice  = "chartPrice"
	ChannelTrades = "chartTrades"
	ChannelPing   = "ping"

	actionJoin = "join"
)

// ErrDecode indicates a frame that could not be turned into an event.
var ErrDecode = errors.New("malformed frame")

// frame holds just enough fields to tell inbound shapes apart.
type frame struct {
	Channel string          `json:"channel"`
	Success *bool           `json:"success"`
	Letter  *string         `json:"letter"`
	Data    json.RawMessage `json:"data"`
	Price   json.RawMessage `json:"price"`
}

// tickFrame carries validation rules for a decoded price tick.
type tickFrame struct {
	Price     decimal.Decimal `json:"price" validate:"gt=0"`
	PriceUSD  decimal.Decimal `json:"price_usd" validate:"gte=0"`
	Supply    decimal.Decimal `json:"supply" validate:"gte=0"`
	Volume    decimal.Decimal `json:"volume_sol" validate:"gte=0"`
	Timestamp int64           `json:"timestamp" validate:"gte=0"`
}

// outbound is the shape of every frame the client sends.
type outbound struct {
	Channel string `json:"channel"`
	Mint    string `json:"mint,omitempty"`
	Action  string `json:"action,omitempty"`
	From    *int64 `json:"from,omitempty"`
}

// Codec decodes inbound frames and encodes outbound ones.
type Codec struct {
	validate *validator.Validate
	ping     []byte
}

// NewCodec creates a codec with decimal-aware validation.
func NewCodec() *Codec {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})

	ping, _ := json.Marshal(outbound{Channel: ChannelPing})
	return &Codec{validate: v, ping: ping}
}

// Decode turns one raw frame into a typed event. Any error wraps ErrDecode.
func (c *Codec) Decode(raw []byte, receivedAt time.Time) (model.FeedEvent, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return model.FeedEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	ev := model.FeedEvent{ReceivedAt: receivedAt}
	switch {
	case f.Channel == ChannelPing:
		ev.Kind = model.EventHeartbeat

	case f.Letter != nil:
		var trade model.Trade
		if err := json.Unmarshal(raw, &trade); err != nil {
			return model.FeedEvent{}, fmt.Errorf("%w: trade: %v", ErrDecode, err)
		}
		ev.Kind = model.EventTrade
		ev.Trades = []model.Trade{trade}

	case f.Channel == ChannelTrades:
		var trades []model.Trade
		if len(f.Data) > 0 && string(f.Data) != "null" {
			if err := json.Unmarshal(f.Data, &trades); err != nil {
				return model.FeedEvent{}, fmt.Errorf("%w: trade snapshot: %v", ErrDecode, err)
			}
		}
		ev.Kind = model.EventTradeSnapshot
		ev.Trades = trades

	case len(f.Price) > 0:
		tick, err := c.decodeTick(raw)
		if err != nil {
			return model.FeedEvent{}, err
		}
		ev.Kind = model.EventPriceTick
		ev.Tick = &tick

	case f.Success != nil && *f.Success:
		ev.Kind = model.EventAck

	default:
		return model.FeedEvent{}, fmt.Errorf("%w: unrecognised frame", ErrDecode)
	}

	return ev, nil
}

func (c *Codec) decodeTick(raw []byte) (model.PriceTick, error) {
	var tf tickFrame
	if err := json.Unmarshal(raw, &tf); err != nil {
		return model.PriceTick{}, fmt.Errorf("%w: price tick: %v", ErrDecode, err)
	}
	if err := c.validate.Struct(&tf); err != nil {
		return model.PriceTick{}, fmt.Errorf("%w: price tick: %v", ErrDecode, err)
	}

	return model.PriceTick{
		Price:     tf.Price,
		PriceUSD:  tf.PriceUSD,
		Supply:    tf.Supply,
		Volume:    tf.Volume,
		Timestamp: tf.Timestamp,
	}, nil
}

// Ping returns the keep-alive frame.
func (c *Codec) Ping() []byte {
	return c.ping
}

// EncodeJoin encodes a join request.
func (c *Codec) EncodeJoin(j Join) ([]byte, error) {
	msg := outbound{Channel: j.Channel, Mint: j.Instrument, Action: actionJoin}
	if j.From > 0 {
		from := j.From
		msg.From = &from
	}
	return json.Marshal(msg)
}
