package relaypool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInboundFrameEvent(t *testing.T) {
	frame, err := parseInboundFrame([]byte(`["EVENT","sub1",{"id":"ev1","kind":1,"content":"hi"}]`))
	require.NoError(t, err)
	require.Equal(t, verbEvent, frame.Verb)
	require.Equal(t, "sub1", frame.SubID)
	require.JSONEq(t, `{"id":"ev1","kind":1,"content":"hi"}`, string(frame.EventJSON))
}

func TestParseInboundFrameVerbs(t *testing.T) {
	frame, err := parseInboundFrame([]byte(`["EOSE","sub1"]`))
	require.NoError(t, err)
	require.Equal(t, "sub1", frame.SubID)

	frame, err = parseInboundFrame([]byte(`["CLOSED","sub1","auth-required: do auth"]`))
	require.NoError(t, err)
	require.Equal(t, "sub1", frame.SubID)
	require.Equal(t, "auth-required: do auth", frame.Reason)

	frame, err = parseInboundFrame([]byte(`["OK","ev1",true,""]`))
	require.NoError(t, err)
	require.Equal(t, "ev1", frame.EventID)
	require.True(t, frame.OK)

	frame, err = parseInboundFrame([]byte(`["OK","ev1",false,"blocked: spam"]`))
	require.NoError(t, err)
	require.False(t, frame.OK)
	require.Equal(t, "blocked: spam", frame.Reason)

	frame, err = parseInboundFrame([]byte(`["COUNT","req1",{"count":42}]`))
	require.NoError(t, err)
	require.Equal(t, "req1", frame.SubID)
	require.Equal(t, int64(42), frame.Count)

	frame, err = parseInboundFrame([]byte(`["NOTICE","slow down"]`))
	require.NoError(t, err)
	require.Equal(t, "slow down", frame.Notice)

	frame, err = parseInboundFrame([]byte(`["AUTH","challenge-string"]`))
	require.NoError(t, err)
	require.Equal(t, "challenge-string", frame.Challenge)
}

func TestParseInboundFrameRejectsMalformed(t *testing.T) {
	for _, input := range []string{
		`not json`,
		`{"verb":"EVENT"}`,
		`[]`,
		`["WHATEVER","x"]`,
		`["EVENT","sub1"]`,
		`["OK","ev1"]`,
		`["AUTH"]`,
	} {
		if _, err := parseInboundFrame([]byte(input)); err == nil {
			t.Fatalf("parseInboundFrame(%q) accepted malformed frame", input)
		}
	}
}

func TestEncodeReqFrame(t *testing.T) {
	raw, err := encodeReqFrame("sub1", []Filter{{Kinds: []int{1}, Limit: 5}})
	require.NoError(t, err)
	require.JSONEq(t, `["REQ","sub1",{"kinds":[1],"limit":5}]`, string(raw))
}

func TestEncodeCloseAndCountFrames(t *testing.T) {
	raw, err := encodeCloseFrame("sub1")
	require.NoError(t, err)
	require.JSONEq(t, `["CLOSE","sub1"]`, string(raw))

	raw, err = encodeCountFrame("count:1", []Filter{{Authors: []string{"alice"}}})
	require.NoError(t, err)
	require.JSONEq(t, `["COUNT","count:1",{"authors":["alice"]}]`, string(raw))
}

func TestEncodeEventFramePrefersRaw(t *testing.T) {
	event := (&Event{ID: "ignored"}).SetRaw([]byte(`{"id":"ev1","sig":"original"}`))
	raw, err := encodeEventFrame(event)
	require.NoError(t, err)
	require.JSONEq(t, `["EVENT",{"id":"ev1","sig":"original"}]`, string(raw))
}
