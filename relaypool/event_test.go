package relaypool

import (
	"testing"
)

func TestParseEventRetainsRaw(t *testing.T) {
	raw := `{"id":"ev1","pubkey":"pk","created_at":1700000000,"kind":1,"tags":[["e","parent"]],"content":"hello","sig":"sig1"}`

	event, err := parseEvent([]byte(raw))
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	if event.ID != "ev1" || event.PubKey != "pk" || event.Kind != 1 || event.Content != "hello" {
		t.Fatalf("parsed event fields wrong: %+v", event)
	}
	if got := event.TagValue("e"); got != "parent" {
		t.Fatalf("TagValue(e) = %q, want parent", got)
	}

	serialized, err := event.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if string(serialized) != raw {
		t.Fatalf("Serialize did not return the wire form: %s", serialized)
	}
}

func TestParseEventRejectsMalformed(t *testing.T) {
	for _, input := range []string{`not json`, `[1,2,3]`, `"string"`} {
		if _, err := parseEvent([]byte(input)); err == nil {
			t.Fatalf("parseEvent(%q) accepted malformed payload", input)
		}
	}
}

func TestComputeIDStable(t *testing.T) {
	event := &Event{PubKey: "pk", CreatedAt: 1700000000, Kind: 1, Content: "hello"}

	first, err := event.computeID()
	if err != nil {
		t.Fatalf("computeID: %v", err)
	}
	second, _ := event.computeID()
	if first != second {
		t.Fatal("computeID is not deterministic")
	}
	if len(first) != 64 {
		t.Fatalf("id length = %d, want 64 hex chars", len(first))
	}

	event.Content = "changed"
	third, _ := event.computeID()
	if third == first {
		t.Fatal("computeID ignored the content")
	}
}

func TestIsEphemeralRange(t *testing.T) {
	cases := map[int]bool{
		1:     false,
		19999: false,
		20000: true,
		22242: true,
		29999: true,
		30000: false,
	}
	for kind, want := range cases {
		event := &Event{Kind: kind}
		if event.IsEphemeral() != want {
			t.Fatalf("IsEphemeral(kind=%d) = %v, want %v", kind, !want, want)
		}
	}
}

func TestBuildAuthEvent(t *testing.T) {
	signer := &fakeSigner{pubkey: "pk"}

	event, err := buildAuthEvent("wss://relay.test", "challenge-1", signer)
	if err != nil {
		t.Fatalf("buildAuthEvent: %v", err)
	}
	if event.Kind != KindClientAuthentication {
		t.Fatalf("kind = %d, want %d", event.Kind, KindClientAuthentication)
	}
	if event.TagValue("relay") != "wss://relay.test" || event.TagValue("challenge") != "challenge-1" {
		t.Fatalf("auth tags wrong: %+v", event.Tags)
	}
	if event.ID == "" || event.Sig != "fakesig" {
		t.Fatalf("auth event not signed: id=%q sig=%q", event.ID, event.Sig)
	}

	canonical, err := event.canonicalSerialization()
	if err != nil {
		t.Fatal(err)
	}
	if !signer.Verify(canonical, event.Sig, event.PubKey) {
		t.Fatal("auth event signature does not verify")
	}

	if _, err := buildAuthEvent("wss://relay.test", "c", nil); err == nil {
		t.Fatal("buildAuthEvent accepted a nil signer")
	}
}
