package billing

import (
	"sync"

	"golang.org/x/time/rate"
)

// walletLimiter keeps one token bucket per wallet, refilled at the
// account's per-minute ceiling. The bucket holds a full minute of burst so
// at steady state at most `perMinute` requests pass in any rolling minute.
type walletLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newWalletLimiter() *walletLimiter {
	return &walletLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (w *walletLimiter) allow(wallet string, perMinute int) bool {
	if perMinute <= 0 {
		perMinute = 1
	}
	w.mu.Lock()
	limiter, ok := w.limiters[wallet]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		w.limiters[wallet] = limiter
	}
	w.mu.Unlock()
	return limiter.Allow()
}

// forget drops a wallet's bucket; used when an account's ceiling changes.
func (w *walletLimiter) forget(wallet string) {
	w.mu.Lock()
	delete(w.limiters, wallet)
	w.mu.Unlock()
}
