package relaypool

import (
	"testing"
	"time"
)

func TestPoolRelayDedupesByNormalizedURL(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	first, err := pool.Relay("wss://Example.com/")
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	second, err := pool.Relay("example.com")
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if first != second {
		t.Fatal("equivalent URLs resolved to different connections")
	}
	if connections := pool.Connections(); len(connections) != 1 {
		t.Fatalf("registry holds %d connections, want 1", len(connections))
	}
}

func TestPoolRelaySetDedupesMembers(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	set, err := pool.RelaySet("wss://example.com/", "example.com", "wss://other.test")
	if err != nil {
		t.Fatalf("RelaySet: %v", err)
	}
	if members := set.Connections(); len(members) != 2 {
		t.Fatalf("set holds %d members, want 2", len(members))
	}
}

func TestPoolRejectsInvalidURL(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	if _, err := pool.Relay("ftp://example.com"); err == nil {
		t.Fatal("invalid URL accepted")
	}
}

func TestPoolAppliesConfigToNewConnections(t *testing.T) {
	signer := &fakeSigner{pubkey: "pk"}
	pool := NewPool().SetSigner(signer).SetFlappingThreshold(250 * time.Millisecond)
	defer pool.Close()

	connection, err := pool.Relay("wss://example.com")
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}

	connection.lock.Lock()
	configured := connection.signer
	connection.lock.Unlock()
	if configured != Signer(signer) {
		t.Fatal("pool signer not inherited by the connection")
	}

	connection.policy.lock.Lock()
	threshold := connection.policy.flappingThreshold
	connection.policy.lock.Unlock()
	if threshold != 250*time.Millisecond {
		t.Fatalf("flapping threshold = %v, want 250ms", threshold)
	}
}

func TestPoolCloseRejectsFurtherUse(t *testing.T) {
	pool := NewPool()
	if _, err := pool.Relay("wss://example.com"); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := pool.Relay("wss://example.com"); err == nil {
		t.Fatal("closed pool handed out a connection")
	}
	if connections := pool.Connections(); len(connections) != 0 {
		t.Fatalf("closed pool still lists %d connections", len(connections))
	}
}
