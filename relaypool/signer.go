package relaypool

import (
	"time"
)

// Signer is the external signing capability the pool consumes. It is used
// only for constructing AUTH challenge responses; signing of published events
// is the producer's responsibility before handing them to the pool.
type Signer interface {
	// Sign returns the signature over the canonical payload bytes.
	Sign(payload []byte) (string, error)

	// Verify checks a signature over payload for the given public key.
	Verify(payload []byte, signature string, pubkey string) bool

	// PublicKey returns the hex public key signatures are made under.
	PublicKey() string
}

// buildAuthEvent constructs the signed challenge-response event for an AUTH
// exchange: a KindClientAuthentication event carrying the relay URL and the
// challenge string as tags.
func buildAuthEvent(relayURL string, challenge string, signer Signer) (*Event, error) {
	if signer == nil {
		return nil, NewError(AuthenticationError, "no signer configured")
	}

	event := &Event{
		PubKey:    signer.PublicKey(),
		CreatedAt: time.Now().Unix(),
		Kind:      KindClientAuthentication,
		Tags: []Tag{
			{"relay", relayURL},
			{"challenge", challenge},
		},
	}

	id, err := event.computeID()
	if err != nil {
		return nil, NewError(AuthenticationError, err)
	}
	event.ID = id

	canonical, err := event.canonicalSerialization()
	if err != nil {
		return nil, NewError(AuthenticationError, err)
	}
	signature, err := signer.Sign(canonical)
	if err != nil {
		return nil, NewError(AuthenticationError, err)
	}
	event.Sig = signature

	return event, nil
}
