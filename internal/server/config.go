// Package server implements the connection/request lifecycle (spec.md §4.5
// / C5): the accept loop, per-connection state machine, preview flow,
// timeouts, graceful shutdown, and the server-level metrics and audit
// hookup. The accept/goroutine-per-connection shape is grounded on the
// teacher's icap-server-go/main.go Serve loop; everything past "read the
// request line" is generalized to the full wire codec and module pipeline
// instead of the teacher's single hard-coded detokenize step.
package server

import "time"

// Config is the server's runtime configuration (spec.md §6.3's
// "config loader" external collaborator supplies this at startup).
type Config struct {
	Addr string

	MaxConnections int
	AcceptBacklog  int // informational only; net.Listen manages the real backlog

	MaxHeaderBytes int64
	MaxBodyBytes   int64

	IdleTimeout       time.Duration
	ReadTimeout       time.Duration
	WholeRequestTimeout time.Duration
	ShutdownGrace     time.Duration

	RetryAfterSeconds int

	ServerBanner string
	ServiceID    string

	// RateLimitMaxAttempts <= 0 disables accept-time rate limiting.
	RateLimitMaxAttempts int
	RateLimitWindow      time.Duration
	RateLimitBlock       time.Duration
}

// DefaultConfig mirrors spec.md §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		Addr:                ":1344",
		MaxConnections:      100,
		MaxHeaderBytes:      64 * 1024,
		MaxBodyBytes:        25 << 20,
		IdleTimeout:         60 * time.Second,
		ReadTimeout:         30 * time.Second,
		WholeRequestTimeout: 120 * time.Second,
		ShutdownGrace:       10 * time.Second,
		RetryAfterSeconds:   5,
		ServerBanner:        "g3icap-go/1.0",
	}
}
