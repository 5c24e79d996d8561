package flow

import (
	"math/rand/v2"
	"time"
)

// Backoff вычисляет задержку перед попыткой attempt+1.
//
// delay = base * 2^(attempt-1) + U[0, base) — экспоненциальный рост
// с джиттером, чтобы одновременные retry не били в одну точку.
// attempt — номер только что провалившейся попытки (с 1).
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	jitter := time.Duration(rand.Int64N(int64(base)))
	return delay + jitter
}
