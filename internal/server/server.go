package server

import (
	"context"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ppomes/g3icap-go/internal/audit"
	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
	"github.com/ppomes/g3icap-go/internal/module"
	"github.com/ppomes/g3icap-go/internal/pipeline"
	"github.com/ppomes/g3icap-go/internal/ratelimit"
)

// Server owns the listener, the accept semaphore, and every connection's
// shared dependencies: the module registry, the pipeline driving a single
// request's adaptation, the response generator, metrics, and audit sink.
// The accept/goroutine-per-connection shape is grounded on the teacher's
// icap-server-go/main.go Serve loop (net.Listen, then `go s.handleConnection`
// per accepted socket).
type Server struct {
	cfg     Config
	gen     *response.Generator
	reg     *module.Registry
	pl      *pipeline.Pipeline
	metrics *Metrics
	sink    audit.Sink
	limiter *ratelimit.Limiter
	logger  *log.Logger

	sem chan struct{}

	mu       sync.Mutex
	ln       net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New builds a Server. pl should already hold every registered stage.
func New(cfg Config, gen *response.Generator, reg *module.Registry, pl *pipeline.Pipeline, sink audit.Sink, logger *log.Logger) *Server {
	if sink == nil {
		sink = audit.NoopSink{}
	}
	var limiter *ratelimit.Limiter
	if cfg.RateLimitMaxAttempts > 0 {
		limiter = ratelimit.New(cfg.RateLimitMaxAttempts, cfg.RateLimitWindow, cfg.RateLimitBlock)
	}
	return &Server{
		cfg: cfg, gen: gen, reg: reg, pl: pl, sink: sink, limiter: limiter, logger: logger,
		metrics:  NewMetrics(),
		sem:      make(chan struct{}, maxInt(cfg.MaxConnections, 1)),
		shutdown: make(chan struct{}),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Metrics returns the server's live metrics snapshot.
func (s *Server) Metrics() Snapshot { return s.metrics.Snapshot() }

// ListenAndServe binds cfg.Addr and accepts connections until ctx is
// cancelled or Shutdown is called. Accept errors other than a closed
// listener are logged and accepting continues, per spec.md §4.5.1.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Printf("icap server listening on %s", s.cfg.Addr)

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.shutdown:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			s.logger.Printf("accept error: %v", err)
			s.metrics.connectionError()
			continue
		}
		s.wg.Add(1)
		go s.acceptConnection(conn)
	}
}

// acceptConnection applies accept-time rate limiting and the connection
// semaphore before handing off to handleConnection, emitting 503 with
// Retry-After when either is exhausted (spec.md §4.5.1).
func (s *Server) acceptConnection(conn net.Conn) {
	defer s.wg.Done()

	clientIP := remoteIP(conn)

	if s.limiter != nil && !s.limiter.IsAllowed(clientIP) {
		s.rejectBusy(conn)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		s.rejectBusy(conn)
		return
	}
	defer func() { <-s.sem }()

	s.metrics.connectionOpened()
	defer s.metrics.connectionClosed()

	s.sink.Record(context.Background(), audit.Event{
		Timestamp: time.Now(), Severity: audit.SeverityInfo, Category: "connection", Subject: clientIP, Details: "connection received",
	})

	c := &connHandler{srv: s, conn: conn, clientIP: clientIP}
	c.serve()
}

func (s *Server) rejectBusy(conn net.Conn) {
	defer conn.Close()
	resp := s.gen.ServiceUnavailable("server busy", s.cfg.RetryAfterSeconds)
	raw, err := marshalResponse(resp)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write(raw)
}

// Shutdown stops accepting new connections and waits up to
// cfg.ShutdownGrace for in-flight connections to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	select {
	case <-s.shutdown:
		s.mu.Unlock()
		return
	default:
		close(s.shutdown)
	}
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Printf("shutdown grace period elapsed with connections still in flight")
	}
}

// marshalResponse serializes resp, the one place rejectBusy needs the wire
// codec before a connHandler (and its own serialize helper) exists.
func marshalResponse(resp *icap.Response) ([]byte, error) {
	return icap.SerializeResponse(resp)
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}
