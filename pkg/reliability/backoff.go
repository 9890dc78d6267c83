package reliability

import (
	"math"
	"math/rand/v2"
	"time"
)

// Transmission parameters (RFC 7252 section 4.8).
const (
	// DefaultAckTimeout is the base timeout for the first retransmission.
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor spreads the initial timeout over
	// [AckTimeout, AckTimeout*AckRandomFactor].
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit is the number of retransmissions before a
	// confirmable message times out.
	DefaultMaxRetransmit = 4

	// DefaultExchangeLifetime is how long a confirmable message ID stays
	// reserved after it was sent.
	DefaultExchangeLifetime = 247 * time.Second

	// DefaultNonLifetime is how long a non-confirmable message ID stays
	// reserved.
	DefaultNonLifetime = 145 * time.Second

	// DefaultAckDelay is how long a server waits for the application before
	// answering a confirmable request with an empty ACK.
	DefaultAckDelay = 1 * time.Second
)

// Backoff yields the successive timeouts of one confirmable message: a
// randomized initial timeout that doubles after every retransmission.
// A Backoff is owned by one schedule and is not safe for concurrent use.
type Backoff struct {
	current  time.Duration
	attempts int
}

// NewBackoff draws the initial timeout for a new schedule.
func NewBackoff(ackTimeout time.Duration, randomFactor float64) *Backoff {
	initial := ackTimeout
	if randomFactor > 1 {
		initial += time.Duration(float64(ackTimeout) * (randomFactor - 1) * rand.Float64())
	}
	return &Backoff{current: initial}
}

// Next returns the current timeout and doubles it.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.attempts++
	b.current *= 2
	return d
}

// Attempts returns how many timeouts have been handed out.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Sequence returns the unjittered timeouts of a full schedule: one per
// retransmission plus the final wait before timing out.
func Sequence(ackTimeout time.Duration, maxRetransmit int) []time.Duration {
	seq := make([]time.Duration, maxRetransmit+1)
	for i := range seq {
		seq[i] = ackTimeout << i
	}
	return seq
}

// MaxTransmitWait is the longest time from the first transmission of a
// confirmable message until its timeout.
func MaxTransmitWait(ackTimeout time.Duration, randomFactor float64, maxRetransmit int) time.Duration {
	if randomFactor < 1 {
		randomFactor = 1
	}
	return time.Duration(float64(ackTimeout) * (math.Pow(2, float64(maxRetransmit+1)) - 1) * randomFactor)
}
