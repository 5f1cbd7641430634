// SPDX-License-Identifier: MIT

package stream

import (
	"math"
	"time"
)

// RetryPolicy maps a camera's failure history to a restart delay. It is a
// pure decision function; the supervisor owns the timers.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// NextDelay returns how long to wait before the restart that follows the
// given number of consecutive failures. ok is false once the attempt
// ceiling is exceeded; the supervisor then gives up and marks the camera
// FAILED.
func (p RetryPolicy) NextDelay(consecutiveFailures int) (delay time.Duration, ok bool) {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	if p.MaxAttempts > 0 && consecutiveFailures > p.MaxAttempts {
		return 0, false
	}

	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(consecutiveFailures-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay, true
	}
	return time.Duration(d), true
}
