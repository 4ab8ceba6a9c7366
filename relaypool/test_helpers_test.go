package relaypool

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// fakeSocket is an in-memory wsConn. Written frames are recorded; inbound
// frames are queued with push and delivered to the read loop.
type fakeSocket struct {
	lock    sync.Mutex
	written [][]byte
	onWrite func(frame []byte)

	inbound chan []byte
	done    chan struct{}
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 32),
		done:    make(chan struct{}),
	}
}

func (socket *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-socket.inbound:
		return websocket.TextMessage, frame, nil
	default:
	}
	select {
	case frame := <-socket.inbound:
		return websocket.TextMessage, frame, nil
	case <-socket.done:
		return 0, nil, io.EOF
	}
}

func (socket *fakeSocket) WriteMessage(messageType int, data []byte) error {
	socket.lock.Lock()
	if socket.closed {
		socket.lock.Unlock()
		return io.ErrClosedPipe
	}
	frame := append([]byte(nil), data...)
	socket.written = append(socket.written, frame)
	hook := socket.onWrite
	socket.lock.Unlock()

	if hook != nil {
		hook(frame)
	}
	return nil
}

func (socket *fakeSocket) Close() error {
	socket.lock.Lock()
	defer socket.lock.Unlock()
	if !socket.closed {
		socket.closed = true
		close(socket.done)
	}
	return nil
}

// breakPipe fails the read loop without marking the close intentional.
func (socket *fakeSocket) breakPipe() {
	socket.Close()
}

func (socket *fakeSocket) push(frame string) {
	socket.inbound <- []byte(frame)
}

func (socket *fakeSocket) setOnWrite(hook func(frame []byte)) {
	socket.lock.Lock()
	socket.onWrite = hook
	socket.lock.Unlock()
}

func (socket *fakeSocket) frames() [][]byte {
	socket.lock.Lock()
	defer socket.lock.Unlock()
	frames := make([][]byte, len(socket.written))
	copy(frames, socket.written)
	return frames
}

func (socket *fakeSocket) framesWithVerb(verb string) [][]byte {
	var matched [][]byte
	for _, frame := range socket.frames() {
		if gjson.GetBytes(frame, "0").String() == verb {
			matched = append(matched, frame)
		}
	}
	return matched
}

type fakeSigner struct {
	pubkey  string
	failing bool
}

func (signer *fakeSigner) Sign(payload []byte) (string, error) {
	if signer.failing {
		return "", NewError(AuthenticationError, "signer refused")
	}
	return "fakesig", nil
}

func (signer *fakeSigner) Verify(payload []byte, signature string, pubkey string) bool {
	return signature == "fakesig" && pubkey == signer.pubkey
}

func (signer *fakeSigner) PublicKey() string { return signer.pubkey }

// newTestConnection returns a connection with an installed fake socket,
// already in the CONNECTED state.
func newTestConnection(t *testing.T) (*Connection, *fakeSocket) {
	t.Helper()

	connection, err := NewConnection("wss://relay.test")
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	socket := newFakeSocket()
	connection.adoptSocket(socket)

	t.Cleanup(func() {
		_ = connection.Close()
	})
	return connection, socket
}

func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// makeTestEvent builds an event signed well enough for fake relays.
func makeTestEvent(kind int, content string) *Event {
	event := &Event{
		PubKey:    "testpk",
		CreatedAt: 1700000000,
		Kind:      kind,
		Content:   content,
	}
	id, err := event.computeID()
	if err != nil {
		panic(err)
	}
	event.ID = id
	event.Sig = "fakesig"
	return event
}

func groupableOptions(delay time.Duration) SubscriptionOptions {
	options := DefaultSubscriptionOptions()
	options.GroupableDelay = delay
	return options
}
