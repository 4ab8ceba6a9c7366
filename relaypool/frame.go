package relaypool

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Wire verbs. Every frame is one JSON array per websocket text message, with
// the verb as the first element.
const (
	verbReq    = "REQ"
	verbClose  = "CLOSE"
	verbEvent  = "EVENT"
	verbEose   = "EOSE"
	verbClosed = "CLOSED"
	verbOK     = "OK"
	verbCount  = "COUNT"
	verbNotice = "NOTICE"
	verbAuth   = "AUTH"
)

// inboundFrame is a relay-to-client frame decoded just far enough to route.
// Event payloads stay raw so they can be handed to consumers without a
// re-marshal round trip.
type inboundFrame struct {
	Verb      string
	SubID     string
	EventJSON []byte
	EventID   string
	OK        bool
	Reason    string
	Count     int64
	Notice    string
	Challenge string
}

func parseInboundFrame(data []byte) (*inboundFrame, error) {
	if !gjson.ValidBytes(data) {
		return nil, NewError(ProtocolError, "frame is not valid JSON")
	}

	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, NewError(ProtocolError, "frame is not a JSON array")
	}

	elements := parsed.Array()
	if len(elements) == 0 {
		return nil, NewError(ProtocolError, "empty frame")
	}

	frame := &inboundFrame{Verb: elements[0].String()}

	switch frame.Verb {
	case verbEvent:
		if len(elements) < 3 {
			return nil, NewError(ProtocolError, "EVENT frame missing payload")
		}
		frame.SubID = elements[1].String()
		frame.EventJSON = []byte(elements[2].Raw)

	case verbEose:
		if len(elements) < 2 {
			return nil, NewError(ProtocolError, "EOSE frame missing subscription id")
		}
		frame.SubID = elements[1].String()

	case verbClosed:
		if len(elements) < 2 {
			return nil, NewError(ProtocolError, "CLOSED frame missing subscription id")
		}
		frame.SubID = elements[1].String()
		if len(elements) > 2 {
			frame.Reason = elements[2].String()
		}

	case verbOK:
		if len(elements) < 3 {
			return nil, NewError(ProtocolError, "OK frame missing status")
		}
		frame.EventID = elements[1].String()
		frame.OK = elements[2].Bool()
		if len(elements) > 3 {
			frame.Reason = elements[3].String()
		}

	case verbCount:
		if len(elements) < 3 {
			return nil, NewError(ProtocolError, "COUNT frame missing payload")
		}
		frame.SubID = elements[1].String()
		frame.Count = elements[2].Get("count").Int()

	case verbNotice:
		if len(elements) > 1 {
			frame.Notice = elements[1].String()
		}

	case verbAuth:
		if len(elements) < 2 {
			return nil, NewError(ProtocolError, "AUTH frame missing challenge")
		}
		frame.Challenge = elements[1].String()

	default:
		return nil, NewError(ProtocolError, "unknown frame verb "+frame.Verb)
	}

	return frame, nil
}

func encodeReqFrame(subID string, filters []Filter) ([]byte, error) {
	elements := make([]interface{}, 0, 2+len(filters))
	elements = append(elements, verbReq, subID)
	for _, filter := range filters {
		elements = append(elements, filter)
	}
	return json.Marshal(elements)
}

func encodeCloseFrame(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{verbClose, subID})
}

func encodeCountFrame(requestID string, filters []Filter) ([]byte, error) {
	elements := make([]interface{}, 0, 2+len(filters))
	elements = append(elements, verbCount, requestID)
	for _, filter := range filters {
		elements = append(elements, filter)
	}
	return json.Marshal(elements)
}

func encodeEventFrame(event *Event) ([]byte, error) {
	raw, err := event.Serialize()
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{verbEvent, json.RawMessage(raw)})
}

func encodeAuthFrame(event *Event) ([]byte, error) {
	raw, err := event.Serialize()
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{verbAuth, json.RawMessage(raw)})
}
