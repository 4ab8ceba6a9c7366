package relaypool

import (
	"fmt"
	"sort"
	"strings"
)

const (
	AlreadyConnectedError = iota

	AuthenticationError

	ClosedSubscriptionError

	ConnectionError

	ConnectionRefusedError

	DisconnectedError

	FlappingError

	InvalidURLError

	ProtocolError

	PublishFailedError

	TimedOutError

	UnknownError
)

// NewError builds a typed relaypool error from an error code and an optional
// detail value.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AlreadyConnectedError:
		errorName = "AlreadyConnectedError"
	case AuthenticationError:
		errorName = "AuthenticationError"
	case ClosedSubscriptionError:
		errorName = "ClosedSubscriptionError"
	case ConnectionError:
		errorName = "ConnectionError"
	case ConnectionRefusedError:
		errorName = "ConnectionRefusedError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case FlappingError:
		errorName = "FlappingError"
	case InvalidURLError:
		errorName = "InvalidURLError"
	case ProtocolError:
		errorName = "ProtocolError"
	case PublishFailedError:
		errorName = "PublishFailedError"
	case TimedOutError:
		errorName = "TimedOutError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}

// PublishQuorumError reports a publish that was accepted by fewer relays than
// the caller required. It carries the per-relay failure map and the set of
// relays that did accept the event.
type PublishQuorumError struct {
	EventID  string
	Required int
	Accepted []string
	Failures map[string]error
}

func (quorumErr *PublishQuorumError) Error() string {
	if quorumErr == nil {
		return "PublishQuorumError"
	}

	urls := make([]string, 0, len(quorumErr.Failures))
	for url := range quorumErr.Failures {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	parts := make([]string, 0, len(urls))
	for _, url := range urls {
		parts = append(parts, fmt.Sprintf("%s: %v", url, quorumErr.Failures[url]))
	}

	return fmt.Sprintf("PublishQuorumError: event %s accepted by %d of %d required relays (%s)",
		quorumErr.EventID, len(quorumErr.Accepted), quorumErr.Required, strings.Join(parts, "; "))
}
