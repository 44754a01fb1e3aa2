package model

import "time"

// EventKind discriminates FeedEvent payloads.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventHeartbeat
	EventAck
	EventPriceTick
	EventTrade
	EventTradeSnapshot
	EventConnected
	EventDisconnected
	EventHeartbeatLost
)

var eventKindNames = map[EventKind]string{
	EventUnknown:       "unknown",
	EventHeartbeat:     "heartbeat",
	EventAck:           "ack",
	EventPriceTick:     "price_tick",
	EventTrade:         "trade",
	EventTradeSnapshot: "trade_snapshot",
	EventConnected:     "connected",
	EventDisconnected:  "disconnected",
	EventHeartbeatLost: "heartbeat_lost",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// FeedEvent is one typed inbound event handed from the feed connection to
// the session loop. Only the payload field matching Kind is set.
type FeedEvent struct {
	Kind       EventKind
	Tick       *PriceTick
	Trades     []Trade
	ReceivedAt time.Time
}
