package conn

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy controls exponential backoff scheduling for one transport.
type RetryPolicy struct {
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:  3 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		MaxRetries:    3,
	}
}

// Delay computes the backoff for attempt n (0-indexed), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt)))
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retrier schedules reconnect attempts with exponential backoff. At most
// one timer is outstanding; scheduling again replaces the previous one.
type Retrier struct {
	mu       sync.Mutex
	policy   RetryPolicy
	count    int
	disabled bool
	timer    *time.Timer
	name     string
}

func NewRetrier(name string, policy RetryPolicy) *Retrier {
	return &Retrier{policy: policy, name: name}
}

// Schedule runs action after the computed backoff delay. It refuses (and
// logs) when auto-reconnect is disabled or the attempt ceiling is reached.
func (r *Retrier) Schedule(action func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled {
		log.Warn().Str("module", "conn").Str("transport", r.name).Msg("auto reconnect disabled, giving up")
		return false
	}
	if r.count >= r.policy.MaxRetries {
		log.Warn().
			Str("module", "conn").
			Str("transport", r.name).
			Int("retries", r.count).
			Msg("max retries reached, giving up")
		return false
	}
	delay := r.policy.Delay(r.count)
	r.count++
	if r.timer != nil {
		r.timer.Stop()
	}
	log.Info().
		Str("module", "conn").
		Str("transport", r.name).
		Int("attempt", r.count).
		Dur("delay", delay).
		Msg("retry scheduled")
	r.timer = time.AfterFunc(delay, action)
	return true
}

// Reset clears the retry count and cancels any pending timer. Call on
// every successful reconnect.
func (r *Retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count = 0
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Disable permanently refuses further scheduling and cancels any pending
// timer. Used for intentional disconnects and the user's stop-retrying
// control.
func (r *Retrier) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Retrier) Disabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled
}

func (r *Retrier) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
