// Package eventbus implements the hub's fan-out event model: typed
// topics, per-subscriber bounded queues, and backpressure-triggered
// disconnection (spec §4.7). It is grounded on the teacher's
// registry.Registry broadcast pattern, generalized from a single "tools
// changed" channel to typed topics with FIFO per-subscriber delivery.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Topic is one of the three enumerated event classes (spec §4.7).
type Topic string

const (
	TopicHubState    Topic = "HUB_STATE"
	TopicSubscriber  Topic = "SUBSCRIPTION_EVENT"
	TopicLog         Topic = "LOG"
)

// SubscriptionSubtype enumerates SUBSCRIPTION_EVENT subtypes.
type SubscriptionSubtype string

const (
	SubtypeConfigChanged       SubscriptionSubtype = "CONFIG_CHANGED"
	SubtypeServersUpdating     SubscriptionSubtype = "SERVERS_UPDATING"
	SubtypeServersUpdated      SubscriptionSubtype = "SERVERS_UPDATED"
	SubtypeToolListChanged     SubscriptionSubtype = "TOOL_LIST_CHANGED"
	SubtypeResourceListChanged SubscriptionSubtype = "RESOURCE_LIST_CHANGED"
	SubtypePromptListChanged   SubscriptionSubtype = "PROMPT_LIST_CHANGED"
)

// LogLevel mirrors the four levels spec §4.7 names for the LOG topic.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Event is the envelope delivered to subscribers. Exactly one of the
// payload fields is populated, matching Topic.
type Event struct {
	Topic     Topic               `json:"topic"`
	Subtype   SubscriptionSubtype `json:"subtype,omitempty"`
	HubState  string              `json:"hubState,omitempty"`
	Server    string              `json:"server,omitempty"`
	Level     LogLevel            `json:"level,omitempty"`
	Message   string              `json:"message,omitempty"`
	Fields    map[string]any      `json:"fields,omitempty"`
	Data      any                 `json:"data,omitempty"`
	Emitted   time.Time           `json:"time"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(alias(e))
}

// Filter decides whether a SUBSCRIPTION_EVENT subtype should reach a
// given subscriber. A nil Filter receives everything.
type Filter func(Topic, SubscriptionSubtype) bool

// subscriber owns its queue; it is removed from the bus without
// affecting any other subscriber (spec §3 "Ownership"). mu serializes
// send against shutdown so a concurrent emit can never send on a queue
// another emit has just closed after a full-queue drop.
type subscriber struct {
	id     string
	queue  chan Event
	filter Filter
	mu     sync.Mutex
	closed bool
}

// send delivers ev non-blocking, reporting whether the queue accepted
// it. It never sends after shutdown.
func (s *subscriber) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

// shutdown closes the subscriber's queue exactly once, safe to call
// concurrently or more than once.
func (s *subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// Bus is the single-producer, multi-consumer event fan-out.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	queueDepth  int
	logger      zerolog.Logger

	onDrop func(id string)
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithQueueDepth overrides the default per-subscriber queue bound of 64
// (spec §4.7 "implementations may choose a larger bound").
func WithQueueDepth(n int) Option {
	return func(b *Bus) { b.queueDepth = n }
}

// WithDropHandler registers a callback invoked (outside any lock) when a
// subscriber is dropped for exceeding its queue bound.
func WithDropHandler(fn func(id string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates an empty Bus.
func New(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string]*subscriber),
		queueDepth:  64,
		logger:      logger.With().Str("component", "eventbus.Bus").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its id and event
// channel. Close the returned channel's subscription with Unsubscribe
// when the caller goes away.
func (b *Bus) Subscribe(filter Filter) (string, <-chan Event) {
	id := uuid.New().String()
	sub := &subscriber{
		id:     id,
		queue:  make(chan Event, b.queueDepth),
		filter: filter,
	}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return id, sub.queue
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.shutdown()
	}
}

// Count returns the current subscriber count.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// emit delivers ev to every subscriber whose filter accepts it,
// non-blocking. A full queue drops that subscriber and closes its
// transport (spec §4.7); the producer is never blocked.
func (b *Bus) emit(ev Event) {
	ev.Emitted = time.Now()
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.filter == nil || sub.filter(ev.Topic, ev.Subtype) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var dropped []string
	for _, sub := range targets {
		if !sub.send(ev) {
			dropped = append(dropped, sub.id)
		}
	}

	for _, id := range dropped {
		b.logger.Warn().Str("subscriber", id).Msg("subscriber queue full, dropping")
		b.Unsubscribe(id)
		if b.onDrop != nil {
			b.onDrop(id)
		}
	}
}

// PublishHubState emits a HUB_STATE event.
func (b *Bus) PublishHubState(state string) {
	b.emit(Event{Topic: TopicHubState, HubState: state})
}

// PublishSubscription emits a SUBSCRIPTION_EVENT of the given subtype.
func (b *Bus) PublishSubscription(subtype SubscriptionSubtype, server string, data any) {
	b.emit(Event{Topic: TopicSubscriber, Subtype: subtype, Server: server, Data: data})
}

// PublishLog emits a structured LOG record.
func (b *Bus) PublishLog(level LogLevel, server, message string, fields map[string]any) {
	b.emit(Event{Topic: TopicLog, Level: level, Server: server, Message: message, Fields: fields})
}

// AcceptSubtypes builds a Filter that passes SUBSCRIPTION_EVENT only for
// the listed subtypes and always passes HUB_STATE/LOG.
func AcceptSubtypes(subtypes ...SubscriptionSubtype) Filter {
	allow := make(map[SubscriptionSubtype]struct{}, len(subtypes))
	for _, s := range subtypes {
		allow[s] = struct{}{}
	}
	return func(topic Topic, subtype SubscriptionSubtype) bool {
		if topic != TopicSubscriber {
			return true
		}
		_, ok := allow[subtype]
		return ok
	}
}
