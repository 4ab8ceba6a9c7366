package relaypool

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// newAckingConnection wires a connection to a scripted fake socket that
// answers EVENT frames with a fixed OK verdict and COUNT frames with a fixed
// total.
func newAckingConnection(t *testing.T, url string, accept bool, reason string, countValue int) *Connection {
	t.Helper()

	connection, err := NewConnection(url)
	if err != nil {
		t.Fatalf("NewConnection(%s): %v", url, err)
	}

	socket := newFakeSocket()
	socket.setOnWrite(func(frame []byte) {
		switch gjson.GetBytes(frame, "0").String() {
		case verbEvent:
			id := gjson.GetBytes(frame, "1.id").String()
			if accept {
				socket.push(`["OK","` + id + `",true,""]`)
			} else {
				socket.push(`["OK","` + id + `",false,"` + reason + `"]`)
			}
		case verbCount:
			requestID := gjson.GetBytes(frame, "1").String()
			socket.push(fmt.Sprintf(`["COUNT","%s",{"count":%d}]`, requestID, countValue))
		}
	})
	connection.adoptSocket(socket)

	t.Cleanup(func() { _ = connection.Close() })
	return connection
}

func TestRelaySetPublishQuorumMet(t *testing.T) {
	set := NewRelaySet([]*Connection{
		newAckingConnection(t, "wss://a.test", true, "", 0),
		newAckingConnection(t, "wss://b.test", true, "", 0),
	})

	published := make(chan []string, 1)
	set.SetOnPublished(func(event *Event, relays []string) { published <- relays })

	if err := set.Publish(context.Background(), makeTestEvent(1, "hello"), 2); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case relays := <-published:
		if len(relays) != 2 {
			t.Fatalf("published observer saw %d relays, want 2", len(relays))
		}
	case <-time.After(time.Second):
		t.Fatal("published observer not fired")
	}
}

func TestRelaySetPublishQuorumFailure(t *testing.T) {
	set := NewRelaySet([]*Connection{
		newAckingConnection(t, "wss://a.test", true, "", 0),
		newAckingConnection(t, "wss://b.test", false, "blocked: policy", 0),
		newAckingConnection(t, "wss://c.test", false, "blocked: policy", 0),
	})

	event := makeTestEvent(1, "hello")
	err := set.Publish(context.Background(), event, 2)

	quorumErr, ok := err.(*PublishQuorumError)
	if !ok {
		t.Fatalf("error type = %T (%v), want *PublishQuorumError", err, err)
	}
	if quorumErr.EventID != event.ID || quorumErr.Required != 2 {
		t.Fatalf("quorum error metadata wrong: %+v", quorumErr)
	}
	if len(quorumErr.Accepted) != 1 || quorumErr.Accepted[0] != "wss://a.test" {
		t.Fatalf("accepted = %v, want the single accepting relay", quorumErr.Accepted)
	}
	if len(quorumErr.Failures) != 2 {
		t.Fatalf("failures = %v, want both rejecting relays", quorumErr.Failures)
	}
	if message := quorumErr.Error(); !strings.Contains(message, "accepted by 1 of 2") {
		t.Fatalf("error message %q missing the quorum summary", message)
	}
}

func TestRelaySetPublishEphemeralExemptFromQuorum(t *testing.T) {
	set := NewRelaySet([]*Connection{
		newAckingConnection(t, "wss://a.test", false, "blocked", 0),
		newAckingConnection(t, "wss://b.test", false, "blocked", 0),
	})

	if err := set.Publish(context.Background(), makeTestEvent(20001, "ephemeral"), 2); err != nil {
		t.Fatalf("ephemeral publish failed quorum: %v", err)
	}
}

func TestRelaySetCountReturnsLargest(t *testing.T) {
	set := NewRelaySet([]*Connection{
		newAckingConnection(t, "wss://a.test", true, "", 3),
		newAckingConnection(t, "wss://b.test", true, "", 11),
		newAckingConnection(t, "wss://c.test", true, "", 7),
	})

	count, err := set.Count(context.Background(), []Filter{{Kinds: []int{1}}})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 11 {
		t.Fatalf("count = %d, want the largest reported (11)", count)
	}
}

func TestRelaySetURLs(t *testing.T) {
	set := NewRelaySet([]*Connection{
		newAckingConnection(t, "wss://a.test", true, "", 0),
		newAckingConnection(t, "wss://b.test", true, "", 0),
	})

	urls := set.URLs()
	if len(urls) != 2 || urls[0] != "wss://a.test" || urls[1] != "wss://b.test" {
		t.Fatalf("URLs = %v", urls)
	}
}
