// Package service provides the chart session: the subscription registry that
// fans bars out to chart callbacks, and the single event loop that owns all
// aggregation and trade state for one instrument.
package service

import (
	"chartsync/internal/feed"
	"chartsync/internal/model"
	"chartsync/internal/resolution"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Registry errors.
var (
	ErrDuplicateSubscriber = errors.New("subscriber id already registered")
	ErrNilCallback         = errors.New("bar callback is required")
	ErrZeroResolution      = errors.New("resolution is required")
)

// BarCallback receives finished or updated bars for one subscription.
type BarCallback func(bar model.Bar)

// Subscriber is one chart subscription to a resolution.
type Subscriber struct {
	ID         string
	Resolution resolution.Resolution

	// LastMessageTimestamp is the time of the last bar delivered, in ms. It
	// becomes the replay cursor when the feed reconnects.
	LastMessageTimestamp int64

	callback BarCallback
}

// Registry is the fan-out table from subscriber id to subscription.
//
// The session loop mutates it; the feed connection reads the intent from its
// own goroutine when (re)connecting, so access is guarded by a mutex.
type Registry struct {
	instrument string

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	order       []string // insertion order, for stable intents
	lastServer  int64    // latest bar time seen across all resolutions
}

// NewRegistry creates an empty registry for instrument.
func NewRegistry(instrument string) *Registry {
	return &Registry{
		instrument:  instrument,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers callback for res. An empty id is replaced by a
// generated one. The new subscriber's replay cursor starts at the last
// server time the registry has seen.
func (r *Registry) Subscribe(id string, res resolution.Resolution, callback BarCallback) (Subscriber, error) {
	if callback == nil {
		return Subscriber{}, ErrNilCallback
	}
	if res.IsZero() {
		return Subscriber{}, ErrZeroResolution
	}
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscribers[id]; exists {
		return Subscriber{}, ErrDuplicateSubscriber
	}
	sub := &Subscriber{
		ID:                   id,
		Resolution:           res,
		LastMessageTimestamp: r.lastServer,
		callback:             callback,
	}
	r.subscribers[id] = sub
	r.order = append(r.order, id)

	log.Debug().Str("subscriber", id).Str("resolution", res.String()).Msg("subscribed")
	return *sub, nil
}

// Unsubscribe removes id and reports whether it was registered.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscribers[id]; !ok {
		return false
	}
	delete(r.subscribers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	log.Debug().Str("subscriber", id).Msg("unsubscribed")
	return true
}

// Dispatch delivers bar to every subscriber of res and advances their replay
// cursors. It returns the number of callbacks invoked. Callbacks run on the
// caller's goroutine without the registry lock held; a panicking callback is
// logged and does not affect the others.
func (r *Registry) Dispatch(res resolution.Resolution, bar model.Bar) int {
	r.mu.Lock()
	if bar.Time > r.lastServer {
		r.lastServer = bar.Time
	}
	targets := make([]*Subscriber, 0, len(r.order))
	for _, id := range r.order {
		sub := r.subscribers[id]
		if sub.Resolution == res {
			if bar.Time > sub.LastMessageTimestamp {
				sub.LastMessageTimestamp = bar.Time
			}
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		deliver(sub, bar)
	}
	return len(targets)
}

func deliver(sub *Subscriber, bar model.Bar) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Any("recover", rec).
				Str("subscriber", sub.ID).
				Msg("panic in bar callback")
		}
	}()
	sub.callback(bar)
}

// Get returns a copy of subscriber id.
func (r *Registry) Get(id string) (Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscribers[id]
	if !ok {
		return Subscriber{}, false
	}
	return *sub, true
}

// JoinFor returns the price join a newly added subscriber should send.
func (r *Registry) JoinFor(sub Subscriber) feed.Join {
	return feed.Join{Channel: feed.ChannelPrice, Instrument: r.instrument, From: sub.LastMessageTimestamp}
}

// Intent implements feed.IntentProvider. Every live subscriber contributes a
// price join replaying from its own cursor; a single trades join follows.
// With no subscribers the intent is empty and the feed does not reconnect.
func (r *Registry) Intent() feed.ConnectionIntent {
	r.mu.Lock()
	defer r.mu.Unlock()

	intent := feed.ConnectionIntent{Instrument: r.instrument}
	if len(r.order) == 0 {
		return intent
	}
	for _, id := range r.order {
		sub := r.subscribers[id]
		intent.Joins = append(intent.Joins, feed.Join{
			Channel:    feed.ChannelPrice,
			Instrument: r.instrument,
			From:       sub.LastMessageTimestamp,
		})
	}
	intent.Joins = append(intent.Joins, feed.Join{Channel: feed.ChannelTrades, Instrument: r.instrument})
	return intent
}

// Resolutions returns the distinct subscribed resolutions, narrowest first.
func (r *Registry) Resolutions() []resolution.Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[resolution.Resolution]struct{}, len(r.subscribers))
	out := make([]resolution.Resolution, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		if _, ok := seen[sub.Resolution]; ok {
			continue
		}
		seen[sub.Resolution] = struct{}{}
		out = append(out, sub.Resolution)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WidthMillis() < out[j].WidthMillis() })
	return out
}

// Len returns the number of live subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Reset drops every subscriber.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = make(map[string]*Subscriber)
	r.order = nil
}
