package relaypool

import (
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// MaxReconnectAttempts caps automatic reconnects before the policy falls
	// back to geometrically extended delays.
	MaxReconnectAttempts = 5

	reconnectBaseDelay   = 5 * time.Second
	reconnectWindow      = 60 * time.Second
	durationWindowSize   = 100
	flappingSampleStride = 3

	// DefaultFlappingThreshold is the stddev floor below which the last three
	// connected-durations count as flapping.
	DefaultFlappingThreshold = time.Second
)

// reconnectPolicy tracks per-connection reconnection statistics and computes
// retry delays. A rolling window of connected-durations feeds flapping
// detection: a connection that keeps cycling with near-identical short
// lifetimes is judged to be flapping and automatic reconnection stops.
type reconnectPolicy struct {
	lock sync.Mutex

	attempts    int
	successes   int
	connectedAt time.Time

	// lastConnectedAt survives the disconnect sample; the next delay fills
	// out the remainder of the reconnect window measured from here.
	lastConnectedAt time.Time

	durations []time.Duration

	flappingThreshold time.Duration
	extended          *backoff.ExponentialBackOff
}

func newReconnectPolicy() *reconnectPolicy {
	extended := backoff.NewExponentialBackOff()
	extended.InitialInterval = reconnectWindow
	extended.MaxInterval = 15 * time.Minute
	extended.MaxElapsedTime = 0
	extended.RandomizationFactor = 0
	// Reset re-seeds the current interval from InitialInterval; the
	// constructor seeded it from the library default.
	extended.Reset()

	return &reconnectPolicy{
		flappingThreshold: DefaultFlappingThreshold,
		extended:          extended,
	}
}

// nextDelay returns the delay before the next reconnect attempt and counts
// the attempt. While a prior connected-at exists the delay fills out the
// remainder of the reconnect window; otherwise it grows linearly per attempt.
// Past MaxReconnectAttempts the delay extends geometrically.
func (policy *reconnectPolicy) nextDelay() time.Duration {
	policy.lock.Lock()
	defer policy.lock.Unlock()

	attempt := policy.attempts
	policy.attempts++

	if attempt >= MaxReconnectAttempts {
		return policy.extended.NextBackOff()
	}

	if !policy.lastConnectedAt.IsZero() {
		delay := reconnectWindow - time.Since(policy.lastConnectedAt)
		if delay < 0 {
			delay = 0
		}
		return delay
	}

	return reconnectBaseDelay * time.Duration(attempt+1)
}

// recordConnected marks a successful connect and resets attempt counting.
func (policy *reconnectPolicy) recordConnected(at time.Time) {
	policy.lock.Lock()
	policy.connectedAt = at
	policy.lastConnectedAt = at
	policy.attempts = 0
	policy.successes++
	policy.extended.Reset()
	policy.lock.Unlock()
}

// recordDisconnected appends a connected-duration sample and reports whether
// the sample window now indicates flapping. The stddev of the last three
// samples is checked every third sample.
func (policy *reconnectPolicy) recordDisconnected(at time.Time) (flapping bool) {
	policy.lock.Lock()
	defer policy.lock.Unlock()

	if policy.connectedAt.IsZero() {
		return false
	}

	duration := at.Sub(policy.connectedAt)
	policy.connectedAt = time.Time{}

	policy.durations = append(policy.durations, duration)
	if len(policy.durations) > durationWindowSize {
		policy.durations = policy.durations[len(policy.durations)-durationWindowSize:]
	}

	if len(policy.durations) < flappingSampleStride || len(policy.durations)%flappingSampleStride != 0 {
		return false
	}

	recent := policy.durations[len(policy.durations)-flappingSampleStride:]
	return stddev(recent) < policy.flappingThreshold
}

func (policy *reconnectPolicy) setFlappingThreshold(threshold time.Duration) {
	policy.lock.Lock()
	if threshold > 0 {
		policy.flappingThreshold = threshold
	}
	policy.lock.Unlock()
}

func (policy *reconnectPolicy) stats() (attempts int, successes int, samples []time.Duration) {
	policy.lock.Lock()
	defer policy.lock.Unlock()
	return policy.attempts, policy.successes, append([]time.Duration(nil), policy.durations...)
}

func stddev(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, sample := range samples {
		sum += float64(sample)
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, sample := range samples {
		diff := float64(sample) - mean
		variance += diff * diff
	}
	variance /= float64(len(samples))

	return time.Duration(math.Sqrt(variance))
}
