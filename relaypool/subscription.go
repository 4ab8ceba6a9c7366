package relaypool

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DelayType controls how a groupable subscription's coalescing delay is
// interpreted when reconciled against an already-armed timer. Both types
// reconcile the same way: the timer is re-armed only when the new constraint
// requires an earlier fire time, and is never loosened.
type DelayType int

const (
	// DelayAtLeast fires no sooner than the delay.
	DelayAtLeast DelayType = iota
	// DelayAtMost fires no later than the delay.
	DelayAtMost
)

// SubscriptionOptions configure one logical subscription.
type SubscriptionOptions struct {
	// Groupable subscriptions with identical filter fingerprints share one
	// wire REQ per relay.
	Groupable bool

	// GroupableDelay is the coalescing window before the wire REQ is sent.
	GroupableDelay time.Duration

	// DelayType selects at-least or at-most semantics for GroupableDelay.
	DelayType DelayType

	// CloseOnEose detaches the subscription once every relay in its set has
	// reported end-of-stored-events.
	CloseOnEose bool

	// Label is an optional human-readable fragment used when minting wire
	// subscription ids.
	Label string

	// BufferSize is the event channel depth. Defaults to 64.
	BufferSize int
}

// DefaultSubscriptionOptions returns the options used when the caller passes
// a zero value.
func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		Groupable:      true,
		GroupableDelay: 100 * time.Millisecond,
		DelayType:      DelayAtLeast,
		BufferSize:     64,
	}
}

// Subscription is the application-facing handle for one logical query with
// live updates. It may be attached to at most one RelaySubscription per
// connection; events from every relay in the set are merged onto Events in
// per-relay receipt order.
type Subscription struct {
	lock sync.Mutex

	id      string
	filters []Filter
	options SubscriptionOptions

	events     chan RelayEvent
	done       chan struct{}
	dispatches sync.WaitGroup
	closed     bool

	expectedRelays int
	eosedRelays    map[string]bool
	onEose         func(relayURL string)
	onClose        func()

	attachments map[*RelaySubscription]struct{}
}

// NewSubscription creates a logical subscription over the given filters.
func NewSubscription(filters []Filter, options SubscriptionOptions) *Subscription {
	if options.BufferSize <= 0 {
		options.BufferSize = 64
	}
	return &Subscription{
		id:          uuid.NewString(),
		filters:     append([]Filter(nil), filters...),
		options:     options,
		events:      make(chan RelayEvent, options.BufferSize),
		done:        make(chan struct{}),
		eosedRelays: make(map[string]bool),
		attachments: make(map[*RelaySubscription]struct{}),
	}
}

// ID returns the subscription's internal id.
func (subscription *Subscription) ID() string { return subscription.id }

// Filters returns the filters the subscription was created with.
func (subscription *Subscription) Filters() []Filter {
	return append([]Filter(nil), subscription.filters...)
}

// Options returns the subscription options.
func (subscription *Subscription) Options() SubscriptionOptions { return subscription.options }

// Events is the merged event stream across every relay in the set.
func (subscription *Subscription) Events() <-chan RelayEvent { return subscription.events }

// Done is closed when the subscription closes.
func (subscription *Subscription) Done() <-chan struct{} { return subscription.done }

// SetOnEose registers a callback fired once per relay when that relay reports
// end-of-stored-events. The callback runs on relay goroutines and must be
// safe for concurrent use.
func (subscription *Subscription) SetOnEose(handler func(relayURL string)) *Subscription {
	subscription.lock.Lock()
	subscription.onEose = handler
	subscription.lock.Unlock()
	return subscription
}

// SetOnClose registers a callback fired once when the subscription closes.
func (subscription *Subscription) SetOnClose(handler func()) *Subscription {
	subscription.lock.Lock()
	subscription.onClose = handler
	subscription.lock.Unlock()
	return subscription
}

// EosedRelays returns the relays that have reported EOSE so far.
func (subscription *Subscription) EosedRelays() []string {
	subscription.lock.Lock()
	defer subscription.lock.Unlock()
	relays := make([]string, 0, len(subscription.eosedRelays))
	for url := range subscription.eosedRelays {
		relays = append(relays, url)
	}
	return relays
}

// expectRelays records how many relays the subscription was fanned out to,
// for close-on-eose accounting.
func (subscription *Subscription) expectRelays(count int) {
	subscription.lock.Lock()
	subscription.expectedRelays = count
	subscription.lock.Unlock()
}

func (subscription *Subscription) attach(relaySubscription *RelaySubscription) {
	subscription.lock.Lock()
	subscription.attachments[relaySubscription] = struct{}{}
	subscription.lock.Unlock()
}

func (subscription *Subscription) detach(relaySubscription *RelaySubscription) {
	subscription.lock.Lock()
	delete(subscription.attachments, relaySubscription)
	subscription.lock.Unlock()
}

// dispatchEvent delivers one event from a relay callback. Delivery blocks on
// a full buffer until the consumer drains or the subscription closes.
func (subscription *Subscription) dispatchEvent(relayURL string, event *Event) {
	subscription.lock.Lock()
	if subscription.closed {
		subscription.lock.Unlock()
		return
	}
	subscription.dispatches.Add(1)
	subscription.lock.Unlock()
	defer subscription.dispatches.Done()

	select {
	case subscription.events <- RelayEvent{Event: event, Relay: relayURL}:
	case <-subscription.done:
	}
}

// notifyEose records end-of-stored-events from one relay. It fires the eose
// callback exactly once per relay and auto-closes a close-on-eose
// subscription when no relay remains outstanding.
func (subscription *Subscription) notifyEose(relayURL string) {
	subscription.lock.Lock()
	if subscription.closed || subscription.eosedRelays[relayURL] {
		subscription.lock.Unlock()
		return
	}
	subscription.eosedRelays[relayURL] = true
	handler := subscription.onEose
	complete := subscription.options.CloseOnEose &&
		subscription.expectedRelays > 0 &&
		len(subscription.eosedRelays) >= subscription.expectedRelays
	subscription.lock.Unlock()

	if handler != nil {
		handler(relayURL)
	}
	if complete {
		subscription.Close()
	}
}

// Close detaches the subscription from every relay and releases its channels.
// Idempotent.
func (subscription *Subscription) Close() {
	subscription.lock.Lock()
	if subscription.closed {
		subscription.lock.Unlock()
		return
	}
	subscription.closed = true
	attached := make([]*RelaySubscription, 0, len(subscription.attachments))
	for relaySubscription := range subscription.attachments {
		attached = append(attached, relaySubscription)
	}
	subscription.attachments = make(map[*RelaySubscription]struct{})
	handler := subscription.onClose
	subscription.lock.Unlock()

	close(subscription.done)
	for _, relaySubscription := range attached {
		relaySubscription.removeItem(subscription)
	}

	// Events is closed only after every in-flight dispatch has returned.
	go func() {
		subscription.dispatches.Wait()
		close(subscription.events)
	}()

	if handler != nil {
		handler()
	}
}
