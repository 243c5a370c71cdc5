// Package ratelimit implements accept-time per-client-IP rate limiting,
// applied by the connection listener (internal/server) ahead of the accept
// semaphore, adapted from the teacher's
// unified-tokenizer/internal/ratelimit package (there used to throttle
// token-lookup attempts; here throttling inbound ICAP connections).
package ratelimit

import (
	"sync"
	"time"
)

// ClientRate is the sliding-window state tracked for one client address.
type ClientRate struct {
	Attempts     int
	LastAttempt  time.Time
	BlockedUntil time.Time
}

// Limiter manages a fixed-size sliding window of connection attempts per
// client IP, blocking a client for BlockDuration once it exceeds MaxAttempts
// within WindowSize.
type Limiter struct {
	clients       map[string]*ClientRate
	maxAttempts   int
	windowSize    time.Duration
	blockDuration time.Duration
	mu            sync.RWMutex
}

// New builds a Limiter. A non-positive maxAttempts disables limiting
// entirely (IsAllowed always returns true).
func New(maxAttempts int, windowSize, blockDuration time.Duration) *Limiter {
	return &Limiter{
		clients:       make(map[string]*ClientRate),
		maxAttempts:   maxAttempts,
		windowSize:    windowSize,
		blockDuration: blockDuration,
	}
}

// IsAllowed reports whether clientIP may open another connection, updating
// its window state as a side effect.
func (rl *Limiter) IsAllowed(clientIP string) bool {
	if rl.maxAttempts <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	client, exists := rl.clients[clientIP]
	if !exists {
		rl.clients[clientIP] = &ClientRate{Attempts: 1, LastAttempt: now}
		return true
	}

	if !client.BlockedUntil.IsZero() && now.Before(client.BlockedUntil) {
		return false
	}

	if now.Sub(client.LastAttempt) >= rl.windowSize {
		client.Attempts = 1
		client.LastAttempt = now
		client.BlockedUntil = time.Time{}
		return true
	}

	client.Attempts++
	client.LastAttempt = now

	if client.Attempts > rl.maxAttempts {
		client.BlockedUntil = now.Add(rl.blockDuration)
		return false
	}
	return true
}

// RetryAfter returns the remaining block duration for clientIP, or 0 if it
// isn't currently blocked. Used to populate the 503 Retry-After header.
func (rl *Limiter) RetryAfter(clientIP string) time.Duration {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	client, exists := rl.clients[clientIP]
	if !exists {
		return 0
	}
	remaining := time.Until(client.BlockedUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Cleanup drops entries that are both unblocked and outside the window,
// meant to be called periodically so the map doesn't grow unbounded.
func (rl *Limiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for clientIP, client := range rl.clients {
		windowExpired := now.Sub(client.LastAttempt) >= rl.windowSize
		blockExpired := client.BlockedUntil.IsZero() || now.After(client.BlockedUntil)
		if windowExpired && blockExpired {
			delete(rl.clients, clientIP)
		}
	}
}

// Stats reports overall limiter occupancy for metrics/health reporting.
func (rl *Limiter) Stats() (total, blocked, active int) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := time.Now()
	total = len(rl.clients)
	for _, client := range rl.clients {
		if !client.BlockedUntil.IsZero() && now.Before(client.BlockedUntil) {
			blocked++
		}
		if now.Sub(client.LastAttempt) < rl.windowSize {
			active++
		}
	}
	return total, blocked, active
}
