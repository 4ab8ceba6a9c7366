package relaypool

import (
	"sync"
)

// SubscriptionManager indexes a connection's live RelaySubscriptions by
// filter fingerprint so repeated identical queries coalesce into a single
// wire REQ. At most one RelaySubscription per fingerprint is in a
// pre-RUNNING stage at any time; once one reaches RUNNING a new identical
// request starts a fresh one.
type SubscriptionManager struct {
	lock          sync.Mutex
	connection    *Connection
	byFingerprint map[string][]*RelaySubscription
}

func newSubscriptionManager(connection *Connection) *SubscriptionManager {
	return &SubscriptionManager{
		connection:    connection,
		byFingerprint: make(map[string][]*RelaySubscription),
	}
}

// AddSubscription attaches a logical subscription to this connection,
// reusing a coalescable RelaySubscription when the fingerprint matches one
// that has not yet reached RUNNING. Non-groupable subscriptions always get a
// dedicated RelaySubscription keyed by their own id.
func (manager *SubscriptionManager) AddSubscription(subscription *Subscription, filters []Filter) (*RelaySubscription, error) {
	options := subscription.Options()

	var fp string
	if options.Groupable {
		fp = fingerprint(filters, options.CloseOnEose)
	} else {
		fp = subscription.ID()
	}

	manager.lock.Lock()
	var target *RelaySubscription
	if options.Groupable {
		for _, candidate := range manager.byFingerprint[fp] {
			if candidate.currentStatus() < relaySubRunning {
				target = candidate
				break
			}
		}
	}
	if target == nil {
		target = newRelaySubscription(manager.connection, manager, fp, options.CloseOnEose)
		manager.byFingerprint[fp] = append(manager.byFingerprint[fp], target)
	}
	manager.lock.Unlock()

	if err := target.addItem(subscription, filters); err != nil {
		return nil, err
	}
	return target, nil
}

// removeRelaySubscription drops a closed RelaySubscription from the index,
// removing the whole fingerprint bucket when it was the last one.
func (manager *SubscriptionManager) removeRelaySubscription(relaySubscription *RelaySubscription) {
	manager.lock.Lock()
	defer manager.lock.Unlock()

	bucket := manager.byFingerprint[relaySubscription.fingerprint]
	filtered := bucket[:0]
	for _, candidate := range bucket {
		if candidate != relaySubscription {
			filtered = append(filtered, candidate)
		}
	}
	if len(filtered) == 0 {
		delete(manager.byFingerprint, relaySubscription.fingerprint)
		return
	}
	manager.byFingerprint[relaySubscription.fingerprint] = filtered
}

// liveSubscriptions snapshots every indexed RelaySubscription.
func (manager *SubscriptionManager) liveSubscriptions() []*RelaySubscription {
	manager.lock.Lock()
	defer manager.lock.Unlock()

	var all []*RelaySubscription
	for _, bucket := range manager.byFingerprint {
		all = append(all, bucket...)
	}
	return all
}
