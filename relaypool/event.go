package relaypool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Tag is one key/value tag array on an event, e.g. ["e", "<event id>"].
type Tag []string

// Event is the opaque signed payload exchanged with relays. The pool does not
// interpret Content beyond routing; producers hand in events already signed,
// except for AUTH responses which the pool builds and signs itself.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`

	// raw holds the pre-serialized form when the event came off the wire or
	// was supplied pre-serialized by the producer. Used verbatim on send so
	// signatures stay valid.
	raw []byte
}

// RelayEvent pairs an event with the relay connection that delivered it.
type RelayEvent struct {
	Event *Event
	Relay string
}

const (
	kindEphemeralRangeStart = 20000
	kindEphemeralRangeEnd   = 30000

	// KindClientAuthentication is the challenge-response event kind sent in
	// AUTH frames.
	KindClientAuthentication = 22242
)

// IsEphemeral reports whether the event belongs to the ephemeral kind range.
// Ephemeral events are exempt from publish delivery guarantees.
func (event *Event) IsEphemeral() bool {
	if event == nil {
		return false
	}
	return event.Kind >= kindEphemeralRangeStart && event.Kind < kindEphemeralRangeEnd
}

// Serialize returns the wire JSON for the event, preferring the raw form the
// event was created from.
func (event *Event) Serialize() ([]byte, error) {
	if event == nil {
		return nil, NewError(ProtocolError, "nil event")
	}
	if len(event.raw) > 0 {
		return event.raw, nil
	}
	return json.Marshal(event)
}

// SetRaw records the pre-serialized, pre-signed form of the event supplied by
// the producer. The raw bytes are sent verbatim.
func (event *Event) SetRaw(raw []byte) *Event {
	if event == nil {
		return event
	}
	event.raw = append([]byte(nil), raw...)
	return event
}

// canonicalSerialization is the array form an event id and signature are
// computed over: [0, pubkey, created_at, kind, tags, content].
func (event *Event) canonicalSerialization() ([]byte, error) {
	tags := event.Tags
	if tags == nil {
		tags = []Tag{}
	}
	return json.Marshal([]interface{}{0, event.PubKey, event.CreatedAt, event.Kind, tags, event.Content})
}

func (event *Event) computeID() (string, error) {
	canonical, err := event.canonicalSerialization()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// parseEvent decodes an event from raw wire JSON, retaining the raw form.
func parseEvent(raw []byte) (*Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, NewError(ProtocolError, "invalid event JSON")
	}

	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, NewError(ProtocolError, "event payload is not an object")
	}

	event := &Event{
		ID:        parsed.Get("id").String(),
		PubKey:    parsed.Get("pubkey").String(),
		CreatedAt: parsed.Get("created_at").Int(),
		Kind:      int(parsed.Get("kind").Int()),
		Content:   parsed.Get("content").String(),
		Sig:       parsed.Get("sig").String(),
	}
	for _, tagValue := range parsed.Get("tags").Array() {
		tag := Tag{}
		for _, element := range tagValue.Array() {
			tag = append(tag, element.String())
		}
		event.Tags = append(event.Tags, tag)
	}
	event.raw = append([]byte(nil), raw...)

	return event, nil
}

// TagValue returns the second element of the first tag whose key matches, or
// an empty string.
func (event *Event) TagValue(key string) string {
	if event == nil {
		return ""
	}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}
