package relaypool

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RelaySet fans one logical operation out across a fixed set of connections
// and aggregates the per-relay outcomes. The member set is immutable for the
// lifetime of the operation; per-relay results arrive asynchronously and in
// no particular order.
type RelaySet struct {
	connections []*Connection
	logger      *zap.Logger

	lock        sync.Mutex
	onPublished func(event *Event, relays []string)
}

// NewRelaySet builds a set over the given connections.
func NewRelaySet(connections []*Connection) *RelaySet {
	return &RelaySet{
		connections: append([]*Connection(nil), connections...),
		logger:      zap.NewNop(),
	}
}

// SetLogger sets the set's logger.
func (set *RelaySet) SetLogger(logger *zap.Logger) *RelaySet {
	if logger != nil {
		set.logger = logger
	}
	return set
}

// SetOnPublished registers an observer fired when a publish reaches its
// required relay count, carrying the accepting relay set.
func (set *RelaySet) SetOnPublished(handler func(event *Event, relays []string)) *RelaySet {
	set.lock.Lock()
	set.onPublished = handler
	set.lock.Unlock()
	return set
}

// Connections returns the member connections.
func (set *RelaySet) Connections() []*Connection {
	return append([]*Connection(nil), set.connections...)
}

// URLs returns the member relay URLs.
func (set *RelaySet) URLs() []string {
	urls := make([]string, len(set.connections))
	for index, connection := range set.connections {
		urls[index] = connection.URL()
	}
	return urls
}

// Publish sends the event to every member concurrently. Per-relay failures
// never escape the delegate publishes; they populate the failure map. After
// all settle, fewer accepting relays than requiredRelayCount is an aggregate
// error carrying the failure map and the partial success set — unless the
// event is ephemeral, which is exempt from delivery guarantees.
func (set *RelaySet) Publish(ctx context.Context, event *Event, requiredRelayCount int) error {
	if event == nil {
		return NewError(PublishFailedError, "nil event")
	}

	var lock sync.Mutex
	accepted := make([]string, 0, len(set.connections))
	failures := make(map[string]error)

	var group errgroup.Group
	for _, connection := range set.connections {
		connection := connection
		group.Go(func() error {
			if err := connection.Publish(ctx, event); err != nil {
				lock.Lock()
				failures[connection.URL()] = err
				lock.Unlock()
				return nil
			}
			lock.Lock()
			accepted = append(accepted, connection.URL())
			lock.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	if event.IsEphemeral() {
		set.emitPublished(event, accepted)
		return nil
	}

	if len(accepted) < requiredRelayCount {
		return &PublishQuorumError{
			EventID:  event.ID,
			Required: requiredRelayCount,
			Accepted: accepted,
			Failures: failures,
		}
	}

	set.emitPublished(event, accepted)
	return nil
}

func (set *RelaySet) emitPublished(event *Event, relays []string) {
	set.lock.Lock()
	handler := set.onPublished
	set.lock.Unlock()
	if handler != nil {
		handler(event, relays)
	}
}

// Subscribe attaches the logical subscription to every member connection,
// coalescing through each connection's subscription manager, and triggers
// connects for members that are down.
func (set *RelaySet) Subscribe(subscription *Subscription) error {
	subscription.expectRelays(len(set.connections))

	for _, connection := range set.connections {
		if _, err := connection.Manager().AddSubscription(subscription, subscription.Filters()); err != nil {
			return err
		}
		if connection.Status() == StatusDisconnected {
			go func(connection *Connection) {
				_ = connection.Connect(context.Background(), true)
			}(connection)
		}
	}
	return nil
}

// Count queries every member and returns the largest count reported. Only
// when every relay fails does Count return an error.
func (set *RelaySet) Count(ctx context.Context, filters []Filter) (int64, error) {
	var lock sync.Mutex
	var best int64
	var firstErr error
	succeeded := false

	var group errgroup.Group
	for _, connection := range set.connections {
		connection := connection
		group.Go(func() error {
			count, err := connection.Count(ctx, filters)
			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			succeeded = true
			if count > best {
				best = count
			}
			return nil
		})
	}
	_ = group.Wait()

	if !succeeded {
		if firstErr == nil {
			firstErr = NewError(UnknownError, "no relays answered count")
		}
		return 0, firstErr
	}
	return best, nil
}

// Fetch runs a close-on-eose subscription across the set and collects the
// merged stream until every relay reports EOSE or the context ends. Relays
// may send duplicates; de-duplication of payloads is the consumer's job.
func (set *RelaySet) Fetch(ctx context.Context, filters []Filter) ([]*Event, error) {
	options := DefaultSubscriptionOptions()
	options.CloseOnEose = true

	subscription := NewSubscription(filters, options)
	if err := set.Subscribe(subscription); err != nil {
		return nil, err
	}
	defer subscription.Close()

	var events []*Event
	for {
		select {
		case relayEvent, open := <-subscription.Events():
			if !open {
				return events, nil
			}
			if relayEvent.Event != nil {
				events = append(events, relayEvent.Event)
			}
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}
