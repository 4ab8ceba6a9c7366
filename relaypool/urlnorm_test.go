package relaypool

import (
	"testing"
)

func TestNormalizeRelayURL(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"example.com", "wss://example.com"},
		{"  wss://example.com  ", "wss://example.com"},
		{"wss://example.com/", "wss://example.com"},
		{"WSS://EXAMPLE.COM/a//b/", "wss://example.com/a/b"},
		{"ws://example.com", "ws://example.com"},
		{"http://example.com", "ws://example.com"},
		{"https://example.com/relay", "wss://example.com/relay"},
		{"wss://example.com?b=2&a=1", "wss://example.com?a=1&b=2"},
		{"wss://example.com/path#fragment", "wss://example.com/path"},
		{"example.com/a//b/", "wss://example.com/a/b"},
	}

	for _, testCase := range cases {
		got, err := NormalizeRelayURL(testCase.input)
		if err != nil {
			t.Fatalf("NormalizeRelayURL(%q): %v", testCase.input, err)
		}
		if got != testCase.want {
			t.Fatalf("NormalizeRelayURL(%q) = %q, want %q", testCase.input, got, testCase.want)
		}
	}
}

func TestNormalizeRelayURLRejectsBadInput(t *testing.T) {
	for _, input := range []string{"", "   ", "ftp://example.com", "wss://"} {
		if _, err := NormalizeRelayURL(input); err == nil {
			t.Fatalf("NormalizeRelayURL(%q) accepted invalid input", input)
		}
	}
}

func TestNormalizeRelayURLEquivalentSpellings(t *testing.T) {
	first, err := NormalizeRelayURL("wss://Example.com/sub/")
	if err != nil {
		t.Fatal(err)
	}
	second, err := NormalizeRelayURL("example.com/sub")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("equivalent spellings normalized differently: %q vs %q", first, second)
	}
}
