package scheduler

import (
	"math/rand/v2"
	"time"
)

// backoffDelay returns the re-arm delay after the n-th consecutive failure:
// RetryBase doubled per failure, jittered and capped at RetryMaxDelay.
func backoffDelay(cfg Config, failures int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
