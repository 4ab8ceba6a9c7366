package relaypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnectionStatus is the per-relay connection state. Values at or above
// StatusConnected mean the socket is usable for sends.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusDisconnecting
	StatusReconnecting
	StatusFlapping
	StatusConnected
	StatusAuthRequested
	StatusAuthenticating
	StatusAuthenticated
)

func (status ConnectionStatus) String() string {
	switch status {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFlapping:
		return "flapping"
	case StatusConnected:
		return "connected"
	case StatusAuthRequested:
		return "auth-requested"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

func (status ConnectionStatus) usable() bool { return status >= StatusConnected }

// wsConn is the slice of *websocket.Conn the connection uses; tests inject
// recorders through it.
type wsConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnectionStats is a snapshot of a connection's reconnection bookkeeping.
type ConnectionStats struct {
	URL               string
	Status            ConnectionStatus
	ReconnectAttempts int
	ConnectSuccesses  int
	ConnectedDuration []time.Duration
}

type publishReply struct {
	ok     bool
	reason string
	err    error
}

type countReply struct {
	count int64
	err   error
}

// Connection owns one socket to one relay: the connection state machine,
// reconnection backoff with flapping detection, raw frame send/receive, and
// the three correlation tables keyed by request id (subscriptions, count
// requests, publish requests).
//
// The correlation tables are mutated only under the connection's own lock;
// frames are processed in receipt order by the single read loop.
type Connection struct {
	lock      sync.Mutex
	writeLock sync.Mutex

	url    string
	logger *zap.Logger
	signer Signer
	dialer *websocket.Dialer

	socket           wsConn
	status           ConnectionStatus
	intentionalClose bool
	shutdown         bool

	policy         *reconnectPolicy
	reconnectTimer *time.Timer

	serial uint64

	subscriptions  map[string]*RelaySubscription
	countWaiters   map[string]chan countReply
	publishWaiters map[string][]chan publishReply

	listenerSerial uint64
	readyListeners map[uint64]func()
	authListeners  map[uint64]func()

	pendingAuthID string
	challenge     string

	onConnect       func()
	onNotice        func(notice string)
	onAuthChallenge func(challenge string)
	onAuthFailed    func(err error)
	onFlapping      func()

	manager *SubscriptionManager
}

// NewConnection creates a connection for one relay URL. The URL is
// normalized; the socket is not opened until Connect.
func NewConnection(rawURL string) (*Connection, error) {
	normalized, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return nil, err
	}

	connection := &Connection{
		url:    normalized,
		logger: zap.NewNop(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},

		status: StatusDisconnected,
		policy: newReconnectPolicy(),

		subscriptions:  make(map[string]*RelaySubscription),
		countWaiters:   make(map[string]chan countReply),
		publishWaiters: make(map[string][]chan publishReply),
		readyListeners: make(map[uint64]func()),
		authListeners:  make(map[uint64]func()),
	}
	connection.manager = newSubscriptionManager(connection)

	return connection, nil
}

// URL returns the normalized relay URL.
func (connection *Connection) URL() string { return connection.url }

// Status returns the current connection state.
func (connection *Connection) Status() ConnectionStatus {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.status
}

// Manager returns the connection's subscription manager.
func (connection *Connection) Manager() *SubscriptionManager { return connection.manager }

// Stats returns a snapshot of the connection's reconnection statistics.
func (connection *Connection) Stats() ConnectionStats {
	attempts, successes, samples := connection.policy.stats()
	return ConnectionStats{
		URL:               connection.url,
		Status:            connection.Status(),
		ReconnectAttempts: attempts,
		ConnectSuccesses:  successes,
		ConnectedDuration: samples,
	}
}

// SetLogger sets the connection logger, scoped with the relay URL. Set it
// before Connect: the read loop and relay subscriptions created earlier keep
// the logger they started with.
func (connection *Connection) SetLogger(logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	connection.lock.Lock()
	connection.logger = logger.With(zap.String("relay", connection.url))
	connection.lock.Unlock()
	return connection
}

// SetSigner sets the authentication policy used for AUTH challenges.
func (connection *Connection) SetSigner(signer Signer) *Connection {
	connection.lock.Lock()
	connection.signer = signer
	connection.lock.Unlock()
	return connection
}

// SetFlappingThreshold overrides the flapping stddev threshold.
func (connection *Connection) SetFlappingThreshold(threshold time.Duration) *Connection {
	connection.policy.setFlappingThreshold(threshold)
	return connection
}

// SetOnConnect registers a callback fired on every successful connect,
// before ready listeners run.
func (connection *Connection) SetOnConnect(handler func()) *Connection {
	connection.lock.Lock()
	connection.onConnect = handler
	connection.lock.Unlock()
	return connection
}

// SetOnNotice registers an observer for relay NOTICE frames.
func (connection *Connection) SetOnNotice(handler func(notice string)) *Connection {
	connection.lock.Lock()
	connection.onNotice = handler
	connection.lock.Unlock()
	return connection
}

// SetOnAuthChallenge registers an observer for AUTH challenges when no
// signer is configured.
func (connection *Connection) SetOnAuthChallenge(handler func(challenge string)) *Connection {
	connection.lock.Lock()
	connection.onAuthChallenge = handler
	connection.lock.Unlock()
	return connection
}

// SetOnAuthFailed registers an observer for failed AUTH exchanges. The
// connection stays usable for non-authenticated operations.
func (connection *Connection) SetOnAuthFailed(handler func(err error)) *Connection {
	connection.lock.Lock()
	connection.onAuthFailed = handler
	connection.lock.Unlock()
	return connection
}

// SetOnFlapping registers an observer fired when the connection is judged to
// be flapping and automatic reconnection stops.
func (connection *Connection) SetOnFlapping(handler func()) *Connection {
	connection.lock.Lock()
	connection.onFlapping = handler
	connection.lock.Unlock()
	return connection
}

// Connect opens the socket. It is a no-op unless the connection is
// DISCONNECTED, RECONNECTING, or FLAPPING (an explicit retry) with no
// reconnect timer pending. With allowReconnect, a dial failure schedules a
// retry and returns nil; without it the failure is returned to the caller.
func (connection *Connection) Connect(ctx context.Context, allowReconnect bool) error {
	connection.lock.Lock()
	if connection.shutdown {
		connection.lock.Unlock()
		return NewError(DisconnectedError, "connection is shut down")
	}
	switch connection.status {
	case StatusDisconnected, StatusReconnecting, StatusFlapping:
	default:
		connection.lock.Unlock()
		return nil
	}
	if connection.reconnectTimer != nil {
		connection.lock.Unlock()
		return nil
	}
	connection.status = StatusConnecting
	dialer := connection.dialer
	connection.lock.Unlock()

	socket, _, err := dialer.DialContext(ctx, connection.url, nil)
	if err != nil {
		connection.lock.Lock()
		connection.status = StatusDisconnected
		connection.lock.Unlock()

		if allowReconnect {
			connection.logger.Warn("connect failed, scheduling reconnect", zap.Error(err))
			connection.scheduleReconnect()
			return nil
		}
		return NewError(ConnectionRefusedError, err)
	}

	connection.adoptSocket(socket)
	return nil
}

// adoptSocket installs an open socket, transitions to CONNECTED, and fires
// the connect and ready signals.
func (connection *Connection) adoptSocket(socket wsConn) {
	connection.lock.Lock()
	if connection.reconnectTimer != nil {
		connection.reconnectTimer.Stop()
		connection.reconnectTimer = nil
	}
	connection.socket = socket
	connection.intentionalClose = false
	connection.status = StatusConnected
	connection.policy.recordConnected(time.Now())
	onConnect := connection.onConnect
	ready := connection.takeReadyListenersLocked()
	connection.lock.Unlock()

	connection.logger.Info("connected")

	go connection.readLoop(socket)

	if onConnect != nil {
		onConnect()
	}
	for _, listener := range ready {
		listener()
	}
}

func (connection *Connection) takeReadyListenersLocked() []func() {
	listeners := make([]func(), 0, len(connection.readyListeners))
	for _, listener := range connection.readyListeners {
		listeners = append(listeners, listener)
	}
	connection.readyListeners = make(map[uint64]func())
	return listeners
}

// Disconnect closes the socket intentionally; no reconnection is scheduled.
// The connection can be reopened later with Connect.
func (connection *Connection) Disconnect() error {
	connection.lock.Lock()
	if connection.reconnectTimer != nil {
		connection.reconnectTimer.Stop()
		connection.reconnectTimer = nil
	}
	socket := connection.socket
	if socket == nil {
		connection.status = StatusDisconnected
		connection.lock.Unlock()
		return nil
	}
	connection.intentionalClose = true
	connection.status = StatusDisconnecting
	connection.lock.Unlock()

	// The read loop observes the close and finishes the transition.
	return socket.Close()
}

// Close shuts the connection down for good; only application shutdown
// destroys a connection.
func (connection *Connection) Close() error {
	connection.lock.Lock()
	connection.shutdown = true
	connection.lock.Unlock()
	return connection.Disconnect()
}

func (connection *Connection) isUsable() bool {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.status.usable() && connection.socket != nil
}

// authPending reports that the relay demanded authentication that has not
// completed yet.
func (connection *Connection) authPending() bool {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.status == StatusAuthRequested || connection.status == StatusAuthenticating
}

// nextSerial mints a per-connection request id component.
func (connection *Connection) nextSerial() uint64 {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	connection.serial++
	return connection.serial
}

// onceReady runs the listener immediately when the connection is already
// usable, otherwise parks it until the next ready signal.
func (connection *Connection) onceReady(listener func()) uint64 {
	connection.lock.Lock()
	if connection.status.usable() && connection.socket != nil {
		connection.lock.Unlock()
		listener()
		return 0
	}
	connection.listenerSerial++
	id := connection.listenerSerial
	connection.readyListeners[id] = listener
	connection.lock.Unlock()
	return id
}

func (connection *Connection) removeReadyListener(id uint64) {
	if id == 0 {
		return
	}
	connection.lock.Lock()
	delete(connection.readyListeners, id)
	connection.lock.Unlock()
}

// onceAuthenticated parks a one-shot listener fired when an AUTH exchange
// succeeds. Already-authenticated connections run it immediately.
func (connection *Connection) onceAuthenticated(listener func()) {
	connection.lock.Lock()
	if connection.status == StatusAuthenticated {
		connection.lock.Unlock()
		listener()
		return
	}
	connection.listenerSerial++
	connection.authListeners[connection.listenerSerial] = listener
	connection.lock.Unlock()
}

// scheduleReconnect arms the backoff timer for the next automatic connect.
func (connection *Connection) scheduleReconnect() {
	connection.lock.Lock()
	if connection.shutdown || connection.status == StatusFlapping || connection.reconnectTimer != nil {
		connection.lock.Unlock()
		return
	}
	delay := connection.policy.nextDelay()
	connection.status = StatusReconnecting
	connection.reconnectTimer = time.AfterFunc(delay, func() {
		connection.lock.Lock()
		connection.reconnectTimer = nil
		connection.lock.Unlock()
		_ = connection.Connect(context.Background(), true)
	})
	connection.lock.Unlock()

	connection.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
}

// send writes one frame. Frames are written only while the connection is
// usable; otherwise the frame is dropped with a diagnostic and callers
// re-issue after the ready signal.
func (connection *Connection) send(frame []byte) error {
	connection.lock.Lock()
	socket := connection.socket
	usable := connection.status.usable()
	connection.lock.Unlock()

	if !usable || socket == nil {
		connection.logger.Debug("frame dropped, connection not ready", zap.ByteString("frame", frame))
		return NewError(DisconnectedError, "connection not ready")
	}

	connection.writeLock.Lock()
	err := socket.WriteMessage(websocket.TextMessage, frame)
	connection.writeLock.Unlock()
	if err != nil {
		connection.logger.Warn("write failed", zap.Error(err))
		return NewError(ConnectionError, err)
	}
	return nil
}

// sendClose issues a CLOSE frame for a wire subscription id.
func (connection *Connection) sendClose(wireID string) {
	frame, err := encodeCloseFrame(wireID)
	if err != nil {
		return
	}
	_ = connection.send(frame)
}

func (connection *Connection) registerSubscription(wireID string, relaySubscription *RelaySubscription) {
	connection.lock.Lock()
	connection.subscriptions[wireID] = relaySubscription
	connection.lock.Unlock()
}

func (connection *Connection) forgetSubscription(wireID string) {
	connection.lock.Lock()
	delete(connection.subscriptions, wireID)
	connection.lock.Unlock()
}

func (connection *Connection) lookupSubscription(wireID string) *RelaySubscription {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.subscriptions[wireID]
}

// enqueuePublishWaiter queues an ack waiter for an event id. The same id can
// legitimately be republished, so waiters form a FIFO per id and each
// inbound OK/CLOSED consumes exactly the oldest.
func (connection *Connection) enqueuePublishWaiter(eventID string, waiter chan publishReply) {
	connection.lock.Lock()
	connection.publishWaiters[eventID] = append(connection.publishWaiters[eventID], waiter)
	connection.lock.Unlock()
}

func (connection *Connection) dropPublishWaiter(eventID string, waiter chan publishReply) {
	connection.lock.Lock()
	defer connection.lock.Unlock()

	queue := connection.publishWaiters[eventID]
	for index, candidate := range queue {
		if candidate == waiter {
			queue = append(queue[:index], queue[index+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(connection.publishWaiters, eventID)
		return
	}
	connection.publishWaiters[eventID] = queue
}

func (connection *Connection) resolveOldestPublishWaiter(eventID string, reply publishReply) bool {
	connection.lock.Lock()
	queue := connection.publishWaiters[eventID]
	if len(queue) == 0 {
		connection.lock.Unlock()
		return false
	}
	waiter := queue[0]
	queue = queue[1:]
	if len(queue) == 0 {
		delete(connection.publishWaiters, eventID)
	} else {
		connection.publishWaiters[eventID] = queue
	}
	connection.lock.Unlock()

	waiter <- reply
	return true
}

// Count sends a COUNT request and waits for the relay's reply or context
// cancellation.
func (connection *Connection) Count(ctx context.Context, filters []Filter) (int64, error) {
	if !connection.isUsable() {
		return 0, NewError(DisconnectedError, "connection not ready")
	}

	requestID := fmt.Sprintf("count:%d", connection.nextSerial())
	waiter := make(chan countReply, 1)

	connection.lock.Lock()
	connection.countWaiters[requestID] = waiter
	connection.lock.Unlock()

	frame, err := encodeCountFrame(requestID, filters)
	if err == nil {
		err = connection.send(frame)
	}
	if err != nil {
		connection.lock.Lock()
		delete(connection.countWaiters, requestID)
		connection.lock.Unlock()
		return 0, err
	}

	select {
	case reply := <-waiter:
		return reply.count, reply.err
	case <-ctx.Done():
		connection.lock.Lock()
		delete(connection.countWaiters, requestID)
		connection.lock.Unlock()
		return 0, NewError(TimedOutError, "count "+connection.url)
	}
}

// readLoop consumes frames until the socket dies. WebSocket delivers FIFO,
// so frames for a given wire id reach subscriptions in relay send order.
func (connection *Connection) readLoop(socket wsConn) {
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			connection.handleSocketClose(socket, err)
			return
		}
		connection.handleFrame(data)
	}
}

// handleFrame parses one inbound frame and routes by verb. Malformed frames
// and unknown correlation ids are logged and dropped, never fatal.
func (connection *Connection) handleFrame(data []byte) {
	frame, err := parseInboundFrame(data)
	if err != nil {
		connection.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	switch frame.Verb {
	case verbEvent:
		relaySubscription := connection.lookupSubscription(frame.SubID)
		if relaySubscription == nil {
			connection.logger.Debug("event for stale subscription", zap.String("sub_id", frame.SubID))
			return
		}
		event, err := parseEvent(frame.EventJSON)
		if err != nil {
			connection.logger.Debug("dropping malformed event", zap.Error(err))
			return
		}
		relaySubscription.handleEvent(event)

	case verbEose:
		relaySubscription := connection.lookupSubscription(frame.SubID)
		if relaySubscription == nil {
			// Slow or duplicate EOSE from the relay; ask it to close the id.
			connection.sendClose(frame.SubID)
			return
		}
		relaySubscription.handleEose(frame.SubID)

	case verbOK:
		if connection.consumeAuthResult(frame.EventID, frame.OK, frame.Reason) {
			return
		}
		if !connection.resolveOldestPublishWaiter(frame.EventID, publishReply{ok: frame.OK, reason: frame.Reason}) {
			connection.logger.Debug("OK without pending publish", zap.String("event_id", frame.EventID))
		}

	case verbClosed:
		if connection.resolveOldestPublishWaiter(frame.SubID, publishReply{ok: false, reason: frame.Reason}) {
			return
		}
		if relaySubscription := connection.lookupSubscription(frame.SubID); relaySubscription != nil {
			relaySubscription.handleServerClosed(frame.Reason)
			return
		}
		connection.logger.Debug("CLOSED for unknown id", zap.String("id", frame.SubID))

	case verbCount:
		connection.lock.Lock()
		waiter := connection.countWaiters[frame.SubID]
		delete(connection.countWaiters, frame.SubID)
		connection.lock.Unlock()
		if waiter != nil {
			waiter <- countReply{count: frame.Count}
		}

	case verbNotice:
		connection.logger.Info("relay notice", zap.String("notice", frame.Notice))
		connection.lock.Lock()
		handler := connection.onNotice
		connection.lock.Unlock()
		if handler != nil {
			handler(frame.Notice)
		}

	case verbAuth:
		connection.handleAuthChallenge(frame.Challenge)
	}
}

// handleAuthChallenge runs the configured authentication policy: build and
// sign the challenge response and send it as an AUTH frame. Without a
// signer the raw challenge is surfaced to the caller.
func (connection *Connection) handleAuthChallenge(challenge string) {
	connection.lock.Lock()
	connection.challenge = challenge
	signer := connection.signer
	if connection.status == StatusConnected {
		connection.status = StatusAuthRequested
	}
	handler := connection.onAuthChallenge
	connection.lock.Unlock()

	if signer == nil {
		if handler != nil {
			handler(challenge)
		}
		return
	}

	authEvent, err := buildAuthEvent(connection.url, challenge, signer)
	if err != nil {
		connection.notifyAuthFailed(err)
		return
	}

	frame, err := encodeAuthFrame(authEvent)
	if err != nil {
		connection.notifyAuthFailed(NewError(AuthenticationError, err))
		return
	}

	connection.lock.Lock()
	connection.status = StatusAuthenticating
	connection.pendingAuthID = authEvent.ID
	connection.lock.Unlock()

	if err := connection.send(frame); err != nil {
		connection.notifyAuthFailed(err)
	}
}

// consumeAuthResult intercepts the OK frame acknowledging our AUTH event. On
// success the connection marks AUTHENTICATED and re-issues subscriptions
// that were pending re-execution; on failure it reverts to AUTH_REQUESTED.
func (connection *Connection) consumeAuthResult(eventID string, ok bool, reason string) bool {
	connection.lock.Lock()
	if connection.pendingAuthID == "" || connection.pendingAuthID != eventID {
		connection.lock.Unlock()
		return false
	}
	connection.pendingAuthID = ""

	if !ok {
		connection.status = StatusAuthRequested
		connection.lock.Unlock()
		connection.notifyAuthFailed(NewError(AuthenticationError, reason))
		return true
	}

	connection.status = StatusAuthenticated
	listeners := make([]func(), 0, len(connection.authListeners))
	for _, listener := range connection.authListeners {
		listeners = append(listeners, listener)
	}
	connection.authListeners = make(map[uint64]func())
	connection.lock.Unlock()

	connection.logger.Info("authenticated")
	for _, listener := range listeners {
		listener()
	}
	return true
}

func (connection *Connection) notifyAuthFailed(err error) {
	connection.lock.Lock()
	if connection.status == StatusAuthenticating {
		connection.status = StatusAuthRequested
	}
	handler := connection.onAuthFailed
	connection.lock.Unlock()

	connection.logger.Warn("authentication failed", zap.Error(err))
	if handler != nil {
		handler(err)
	}
}

// handleSocketClose finishes a disconnect: records the duration sample,
// rejects pending count/publish waiters, parks running subscriptions for
// re-execution, and decides between flapping, reconnecting, and staying
// down.
func (connection *Connection) handleSocketClose(socket wsConn, cause error) {
	connection.lock.Lock()
	if connection.socket != socket {
		connection.lock.Unlock()
		return
	}
	connection.socket = nil
	_ = socket.Close()

	intentional := connection.intentionalClose || connection.shutdown || connection.status == StatusDisconnecting
	connection.intentionalClose = false
	flapping := connection.policy.recordDisconnected(time.Now())
	connection.status = StatusDisconnected
	connection.pendingAuthID = ""

	pending := connection.publishWaiters
	connection.publishWaiters = make(map[string][]chan publishReply)
	counts := connection.countWaiters
	connection.countWaiters = make(map[string]chan countReply)
	running := connection.subscriptions
	connection.subscriptions = make(map[string]*RelaySubscription)

	onFlapping := connection.onFlapping
	connection.lock.Unlock()

	connection.logger.Info("disconnected", zap.Error(cause), zap.Bool("intentional", intentional))

	dropErr := NewError(ConnectionError, "connection closed")
	for _, queue := range pending {
		for _, waiter := range queue {
			waiter <- publishReply{err: dropErr}
		}
	}
	for _, waiter := range counts {
		waiter <- countReply{err: dropErr}
	}
	for _, relaySubscription := range running {
		relaySubscription.requeue()
	}

	if intentional {
		return
	}
	if flapping {
		connection.lock.Lock()
		connection.status = StatusFlapping
		connection.lock.Unlock()
		connection.logger.Warn("connection is flapping, automatic reconnect halted")
		if onFlapping != nil {
			onFlapping()
		}
		return
	}
	connection.scheduleReconnect()
}
