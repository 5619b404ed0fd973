package worker

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// ExponentialBackoff mirrors the teacher's queue/worker.ExponentialBackoff
// shape (power-of-two growth plus a small jitter) retargeted to this
// pipeline's retry defaults: base=1s, cap=60s.
func ExponentialBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempt)))
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay + time.Duration(rand.Intn(250))*time.Millisecond
}
