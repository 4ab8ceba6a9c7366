package relaypool

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type relaySubStatus int

const (
	relaySubInitial relaySubStatus = iota
	relaySubPending
	relaySubWaiting
	relaySubRunning
	relaySubClosed
)

func (status relaySubStatus) String() string {
	switch status {
	case relaySubInitial:
		return "initial"
	case relaySubPending:
		return "pending"
	case relaySubWaiting:
		return "waiting"
	case relaySubRunning:
		return "running"
	case relaySubClosed:
		return "closed"
	}
	return "unknown"
}

const (
	// wireIDMaxLength caps wire subscription ids per the protocol limit.
	wireIDMaxLength = 64
	wireIDSuffixLen = 6

	// maxCoalescedLimitFilters is the merged-filter count past which a
	// limit-carrying REQ executes immediately; limits make indefinite
	// coalescing unsafe.
	maxCoalescedLimitFilters = 10
)

type relaySubItem struct {
	subscription *Subscription
	filters      []Filter
}

// RelaySubscription is one wire-level REQ against one relay, aggregating the
// logical subscriptions that share its filter fingerprint. It owns the
// coalescing timer and the INITIAL→PENDING→RUNNING→CLOSED scheduling state,
// with a WAITING excursion while the connection is down.
type RelaySubscription struct {
	lock sync.Mutex

	connection  *Connection
	manager     *SubscriptionManager
	fingerprint string
	closeOnEose bool
	logger      *zap.Logger

	items  map[string]relaySubItem
	status relaySubStatus

	wireID          string
	eoseSeen        bool
	executedFilters []Filter

	timer  *time.Timer
	fireAt time.Time
}

func newRelaySubscription(connection *Connection, manager *SubscriptionManager, fp string, closeOnEose bool) *RelaySubscription {
	return &RelaySubscription{
		connection:  connection,
		manager:     manager,
		fingerprint: fp,
		closeOnEose: closeOnEose,
		logger:      connection.logger,
		items:       make(map[string]relaySubItem),
		status:      relaySubInitial,
	}
}

// Fingerprint returns the filter fingerprint the REQ was grouped under.
func (relaySubscription *RelaySubscription) Fingerprint() string {
	return relaySubscription.fingerprint
}

// WireID returns the wire subscription id, empty until the REQ has run.
func (relaySubscription *RelaySubscription) WireID() string {
	relaySubscription.lock.Lock()
	defer relaySubscription.lock.Unlock()
	return relaySubscription.wireID
}

func (relaySubscription *RelaySubscription) currentStatus() relaySubStatus {
	relaySubscription.lock.Lock()
	defer relaySubscription.lock.Unlock()
	return relaySubscription.status
}

// addItem attaches a logical subscription. Idempotent per subscription id;
// attaching to a CLOSED RelaySubscription is an error and the caller must
// create a new one.
func (relaySubscription *RelaySubscription) addItem(subscription *Subscription, filters []Filter) error {
	relaySubscription.lock.Lock()

	if relaySubscription.status == relaySubClosed {
		relaySubscription.lock.Unlock()
		return NewError(ClosedSubscriptionError, "cannot attach to a closed relay subscription")
	}
	if _, exists := relaySubscription.items[subscription.ID()]; exists {
		relaySubscription.lock.Unlock()
		return nil
	}

	relaySubscription.items[subscription.ID()] = relaySubItem{
		subscription: subscription,
		filters:      append([]Filter(nil), filters...),
	}
	subscription.attach(relaySubscription)

	executeNow := relaySubscription.evaluateExecutionPlan(subscription, filters)
	relaySubscription.lock.Unlock()

	if executeNow {
		relaySubscription.execute()
	}
	return nil
}

// evaluateExecutionPlan decides, under the lock, whether the REQ fires
// immediately or (re)schedules the coalescing timer. Returns true when the
// caller should execute right away.
func (relaySubscription *RelaySubscription) evaluateExecutionPlan(subscription *Subscription, filters []Filter) bool {
	if relaySubscription.status == relaySubInitial {
		relaySubscription.status = relaySubPending
	}
	if relaySubscription.status != relaySubPending {
		return false
	}

	if !subscription.Options().Groupable {
		relaySubscription.stopTimerLocked()
		return true
	}

	totalFilters := 0
	hasLimit := false
	for _, item := range relaySubscription.items {
		totalFilters += len(item.filters)
		for _, filter := range item.filters {
			if filter.HasLimit() {
				hasLimit = true
			}
		}
	}
	if hasLimit && totalFilters >= maxCoalescedLimitFilters {
		relaySubscription.stopTimerLocked()
		return true
	}

	relaySubscription.scheduleLocked(subscription.Options().GroupableDelay)
	return false
}

// scheduleLocked arms or tightens the coalescing timer. A constraint that
// requires an earlier fire time re-arms the timer; an existing timer is never
// loosened, which collapses at-least and at-most reconciliation into the same
// tighten-only rule.
func (relaySubscription *RelaySubscription) scheduleLocked(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	candidate := time.Now().Add(delay)

	if relaySubscription.timer != nil {
		if !candidate.Before(relaySubscription.fireAt) {
			return
		}
		relaySubscription.timer.Stop()
	}

	relaySubscription.fireAt = candidate
	relaySubscription.timer = time.AfterFunc(delay, relaySubscription.execute)
}

func (relaySubscription *RelaySubscription) stopTimerLocked() {
	if relaySubscription.timer != nil {
		relaySubscription.timer.Stop()
		relaySubscription.timer = nil
	}
}

// execute sends the REQ. Only valid from PENDING; when the connection is not
// usable the REQ parks in WAITING until the connection's ready signal, and
// when the relay has demanded auth that has not completed yet a one-shot
// re-send is armed without blocking the current send, since authentication
// may change visible results.
func (relaySubscription *RelaySubscription) execute() {
	relaySubscription.lock.Lock()
	if relaySubscription.status != relaySubPending {
		relaySubscription.lock.Unlock()
		return
	}
	relaySubscription.stopTimerLocked()

	connection := relaySubscription.connection
	if !connection.isUsable() {
		relaySubscription.status = relaySubWaiting
		relaySubscription.lock.Unlock()
		connection.onceReady(relaySubscription.resume)
		return
	}

	if relaySubscription.wireID == "" {
		relaySubscription.wireID = relaySubscription.buildWireIDLocked()
	}
	relaySubscription.executedFilters = relaySubscription.compileFiltersLocked()
	relaySubscription.status = relaySubRunning
	wireID := relaySubscription.wireID
	filters := relaySubscription.executedFilters
	relaySubscription.lock.Unlock()

	// Armed with the lock released: an exchange that finished in the
	// meantime runs reissue inline, and reissue re-takes the lock.
	if connection.authPending() {
		connection.onceAuthenticated(relaySubscription.reissue)
	}

	connection.registerSubscription(wireID, relaySubscription)

	frame, err := encodeReqFrame(wireID, filters)
	if err != nil {
		relaySubscription.logger.Warn("failed to encode REQ", zap.Error(err))
		return
	}
	if err := connection.send(frame); err != nil {
		relaySubscription.logger.Debug("REQ not sent, will re-issue on ready",
			zap.String("wire_id", wireID), zap.Error(err))
	}
}

// resume re-enters PENDING after the connection became ready and executes.
func (relaySubscription *RelaySubscription) resume() {
	relaySubscription.lock.Lock()
	if relaySubscription.status != relaySubWaiting {
		relaySubscription.lock.Unlock()
		return
	}
	relaySubscription.status = relaySubPending
	relaySubscription.lock.Unlock()
	relaySubscription.execute()
}

// reissue re-sends the running REQ after authentication completed.
func (relaySubscription *RelaySubscription) reissue() {
	relaySubscription.lock.Lock()
	if relaySubscription.status != relaySubRunning || relaySubscription.wireID == "" {
		relaySubscription.lock.Unlock()
		return
	}
	wireID := relaySubscription.wireID
	filters := relaySubscription.executedFilters
	connection := relaySubscription.connection
	relaySubscription.lock.Unlock()

	frame, err := encodeReqFrame(wireID, filters)
	if err != nil {
		return
	}
	if err := connection.send(frame); err != nil {
		relaySubscription.logger.Debug("post-auth REQ not sent", zap.String("wire_id", wireID), zap.Error(err))
	}
}

// requeue moves a previously running REQ back through WAITING after its
// connection dropped, so it re-executes on the next ready signal.
func (relaySubscription *RelaySubscription) requeue() {
	relaySubscription.lock.Lock()
	if relaySubscription.status == relaySubClosed {
		relaySubscription.lock.Unlock()
		return
	}
	relaySubscription.status = relaySubWaiting
	connection := relaySubscription.connection
	relaySubscription.lock.Unlock()
	connection.onceReady(relaySubscription.resume)
}

// buildWireIDLocked mints the wire subscription id: stable human-readable
// fragments joined with a short random suffix, capped at the protocol limit.
// Assigned exactly once, when the REQ first runs.
func (relaySubscription *RelaySubscription) buildWireIDLocked() string {
	fragments := make([]string, 0, len(relaySubscription.items))
	for _, item := range relaySubscription.items {
		label := item.subscription.Options().Label
		if label != "" {
			fragments = append(fragments, label)
		}
	}

	prefix := strings.Join(fragments, "-")
	if prefix == "" {
		prefix = relaySubscription.fingerprint
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:wireIDSuffixLen]
	maxPrefix := wireIDMaxLength - wireIDSuffixLen - 1
	if len(prefix) > maxPrefix {
		prefix = prefix[:maxPrefix]
	}
	return prefix + "-" + suffix
}

func (relaySubscription *RelaySubscription) compileFiltersLocked() []Filter {
	lists := make([][]Filter, 0, len(relaySubscription.items))
	for _, item := range relaySubscription.items {
		lists = append(lists, item.filters)
	}
	return mergeFilters(lists)
}

// handleEvent forwards one relay event to every attached subscription.
func (relaySubscription *RelaySubscription) handleEvent(event *Event) {
	relaySubscription.lock.Lock()
	subscriptions := make([]*Subscription, 0, len(relaySubscription.items))
	for _, item := range relaySubscription.items {
		subscriptions = append(subscriptions, item.subscription)
	}
	relayURL := relaySubscription.connection.URL()
	relaySubscription.lock.Unlock()

	for _, subscription := range subscriptions {
		subscription.dispatchEvent(relayURL, event)
	}
}

// handleEose processes end-of-stored-events. A wire id that no longer
// matches is a stale EOSE for an abandoned REQ: a CLOSE is issued for it and
// nothing else happens. Otherwise every attached subscription is notified,
// close-on-eose subscriptions detach, and an emptied RelaySubscription
// closes.
func (relaySubscription *RelaySubscription) handleEose(wireID string) {
	relaySubscription.lock.Lock()
	if wireID != relaySubscription.wireID {
		connection := relaySubscription.connection
		relaySubscription.lock.Unlock()
		connection.sendClose(wireID)
		return
	}

	relaySubscription.eoseSeen = true
	relayURL := relaySubscription.connection.URL()

	notify := make([]*Subscription, 0, len(relaySubscription.items))
	var detached []*Subscription
	for id, item := range relaySubscription.items {
		notify = append(notify, item.subscription)
		if item.subscription.Options().CloseOnEose {
			delete(relaySubscription.items, id)
			detached = append(detached, item.subscription)
		}
	}
	empty := len(relaySubscription.items) == 0
	relaySubscription.lock.Unlock()

	for _, subscription := range notify {
		subscription.notifyEose(relayURL)
	}
	for _, subscription := range detached {
		subscription.detach(relaySubscription)
	}
	if empty {
		relaySubscription.close(true)
	}
}

// removeItem detaches a logical subscription. The wire subscription is
// released once no items remain and EOSE has been seen; before EOSE it stays
// open and empties naturally.
func (relaySubscription *RelaySubscription) removeItem(subscription *Subscription) {
	relaySubscription.lock.Lock()
	delete(relaySubscription.items, subscription.ID())
	closeNow := len(relaySubscription.items) == 0 && relaySubscription.eoseSeen
	relaySubscription.lock.Unlock()

	subscription.detach(relaySubscription)
	if closeNow {
		relaySubscription.close(true)
	}
}

// handleServerClosed reacts to a relay-initiated CLOSED for this REQ. No
// CLOSE frame is echoed back.
func (relaySubscription *RelaySubscription) handleServerClosed(reason string) {
	relaySubscription.logger.Debug("relay closed subscription",
		zap.String("wire_id", relaySubscription.WireID()), zap.String("reason", reason))
	relaySubscription.close(false)
}

// close is idempotent; at most one CLOSE frame is ever sent per wire id.
func (relaySubscription *RelaySubscription) close(sendCloseFrame bool) {
	relaySubscription.lock.Lock()
	if relaySubscription.status == relaySubClosed {
		relaySubscription.lock.Unlock()
		return
	}
	previous := relaySubscription.status
	relaySubscription.status = relaySubClosed
	relaySubscription.stopTimerLocked()
	wireID := relaySubscription.wireID
	connection := relaySubscription.connection

	remaining := make([]*Subscription, 0, len(relaySubscription.items))
	for _, item := range relaySubscription.items {
		remaining = append(remaining, item.subscription)
	}
	relaySubscription.items = make(map[string]relaySubItem)
	relaySubscription.lock.Unlock()

	if previous == relaySubRunning && wireID != "" {
		if sendCloseFrame {
			connection.sendClose(wireID)
		}
		connection.forgetSubscription(wireID)
	}
	if relaySubscription.manager != nil {
		relaySubscription.manager.removeRelaySubscription(relaySubscription)
	}
	for _, subscription := range remaining {
		subscription.detach(relaySubscription)
	}
}
