// Package retry is the pure-function failure classifier and backoff
// schedule used by the streaming proxy (spec.md §3 "Retry-policy record" /
// §4.D).
package retry

import (
	"math/rand"
	"time"

	"github.com/outpostrun/aigateway/internal/config"
)

// keyFailureStatuses and channelFailureStatuses are fixed by spec.md §4.D;
// they are not configurable, unlike the retryable-status set.
var (
	keyFailureStatuses     = map[int]struct{}{401: {}, 403: {}}
	channelFailureStatuses = map[int]struct{}{502: {}, 503: {}, 504: {}}
)

// Controller classifies upstream statuses and computes backoff delays
// against an immutable-for-the-epoch policy.
type Controller struct {
	policy config.RetryPolicy
}

// New builds a Controller bound to policy. The policy must not be mutated
// for the controller's lifetime; a reload builds a fresh Controller.
func New(policy config.RetryPolicy) *Controller {
	return &Controller{policy: policy}
}

// MaxAttempts is maxRetries+1, the hard cap on attempts per request.
func (c *Controller) MaxAttempts() int {
	return c.policy.MaxRetries + 1
}

// ShouldRetry reports whether status is in the configured retryable set.
func (c *Controller) ShouldRetry(status int) bool {
	_, ok := c.policy.RetryableStatues[status]
	return ok
}

// IsKeyFailure reports whether status indicates the credential, not the
// backend, is at fault (401/403).
func IsKeyFailure(status int) bool {
	_, ok := keyFailureStatuses[status]
	return ok
}

// IsChannelFailure reports whether status indicates the backend, not the
// credential, is at fault (502/503/504).
func IsChannelFailure(status int) bool {
	_, ok := channelFailureStatuses[status]
	return ok
}

// Delay computes the backoff before the given 0-indexed attempt. Exponential
// backoff is `min(maxDelay, baseDelay*2^attempt + U[-25%,+25%] * that)`;
// fixed backoff always returns baseDelay.
func (c *Controller) Delay(attempt int) time.Duration {
	if c.policy.Backoff == config.BackoffFixed {
		return c.policy.BaseDelay
	}
	return exponentialDelay(c.policy.BaseDelay, c.policy.MaxDelay, attempt)
}

func exponentialDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// cap the shift to avoid overflow for pathological attempt counts
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	d := base * time.Duration(1<<uint(shift))
	if d > max || d < 0 {
		d = max
	}
	jitterFrac := (rand.Float64()*2 - 1) * 0.25 // U[-25%, +25%]
	d = d + time.Duration(float64(d)*jitterFrac)
	if d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}
