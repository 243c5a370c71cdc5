package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ppomes/g3icap-go/internal/audit"
	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
	"github.com/ppomes/g3icap-go/internal/module"
	"github.com/ppomes/g3icap-go/internal/pipeline"
)

// connHandler drives one accepted connection's request/response loop
// (spec.md §4.5.2's per-connection state machine: IDLE -> READING_HEADERS ->
// DISPATCH -> READING_BODY -> PROCESSING -> WRITING -> IDLE|CLOSING). A
// connection is single-threaded and cooperative: requests on the same
// connection are handled strictly in order, mirroring the teacher's
// handleConnection loop in icap-server-go/main.go.
type connHandler struct {
	srv      *Server
	conn     net.Conn
	clientIP string
}

func (c *connHandler) serve() {
	defer c.conn.Close()

	r := bufio.NewReader(c.conn)

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))

		parsed, err := icap.ParsePreviewRequest(r)
		if err != nil {
			// A read that simply found the keep-alive connection closed by
			// the client is not an error worth reporting.
			if isClosedOrTimeout(err) {
				return
			}
			c.writeAndMaybeClose(c.mapParseError(err), true)
			return
		}

		req := parsed.Request
		requestStart := time.Now()

		if !parsed.Complete {
			if err := c.continuePreview(r, req); err != nil {
				// Headers are already parsed at this point, so a timeout here
				// is a timeout mid-PROCESSING, not an idle keep-alive wait;
				// spec.md §4.5.2 asks for a 408 rather than a silent close.
				if isTimeout(err) {
					c.writeAndMaybeClose(c.srv.gen.RequestTimeout("timed out waiting for the preview body"), true)
					return
				}
				c.writeAndMaybeClose(c.mapParseError(err), true)
				return
			}
		}

		c.conn.SetReadDeadline(time.Time{})
		deadline := time.Now().Add(c.srv.cfg.WholeRequestTimeout)
		c.conn.SetWriteDeadline(deadline)

		resp, closeAfter := c.handle(req)
		n := c.writeAndMaybeClose(resp, closeAfter)

		c.srv.metrics.recordRequest(string(req.Method), resp.StatusCode, n, time.Since(requestStart))

		if closeAfter {
			return
		}
	}
}

// continuePreview sends the mandatory 100 Continue and reads the remainder
// of the previewed body off the same connection, merging it into req's
// encapsulated body (spec.md §4.5.2 preview flow, §8.4 scenario 5).
func (c *connHandler) continuePreview(r *bufio.Reader, req *icap.Request) error {
	raw, err := icap.SerializeResponse(c.srv.gen.Continue())
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(raw); err != nil {
		return err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.ReadTimeout))
	rest, err := icap.ReadChunkedRemainder(r)
	if err != nil {
		return err
	}

	if req.Encapsulated != nil {
		name, body, ok := req.Encapsulated.Body()
		if ok {
			full := append(append([]byte{}, body...), rest...)
			setEncapsulatedBody(req.Encapsulated, name, full)
		}
	}
	req.PreviewBody = nil
	req.IsPreviewIEOF = true
	return nil
}

func setEncapsulatedBody(p *icap.EncapsulatedPayload, name icap.SectionName, data []byte) {
	switch name {
	case icap.SectionReqBody:
		p.ReqBody = data
	case icap.SectionResBody:
		p.ResBody = data
	case icap.SectionOptBody:
		p.OptBody = data
	}
}

// handle dispatches a fully-read request to OPTIONS handling or the
// pipeline, translating any resulting error per spec.md §7, and decides
// whether the connection should close after this response.
func (c *connHandler) handle(req *icap.Request) (resp *icap.Response, closeConn bool) {
	closeConn = strings.EqualFold(req.Header.Get("Connection"), "close")

	if bodySize, ok := c.bodySize(req); ok && int64(bodySize) > c.srv.cfg.MaxBodyBytes {
		c.audit(audit.SeverityWarning, "request", "body %d bytes exceeds max_body_size", bodySize)
		return c.srv.gen.RequestEntityTooLarge("body exceeds configured maximum"), true
	}

	if req.Method == icap.OPTIONS {
		return c.handleOptions(req), closeConn
	}

	ctx := pipeline.NewContext(req)
	if err := c.srv.pl.Execute(ctx); err != nil {
		c.audit(audit.SeverityError, "pipeline", "stage error: %v", err)
		return c.mapModuleError(err), true
	}

	c.auditOutcome(ctx)
	return ctx.Response, closeConn
}

func (c *connHandler) bodySize(req *icap.Request) (int, bool) {
	if req.Encapsulated == nil {
		return 0, false
	}
	_, body, ok := req.Encapsulated.Body()
	if !ok {
		return 0, false
	}
	return len(body), true
}

// handleOptions answers OPTIONS by looking up the module named by the
// request URI's path (spec.md §4.5.3: capability discovery is per-service),
// falling back to an aggregate view over every registered module when the
// path doesn't name one.
func (c *connHandler) handleOptions(req *icap.Request) *icap.Response {
	name := serviceName(req.URI)
	if name != "" {
		if h, ok := c.srv.reg.Lookup(name); ok {
			resp, err := h.DispatchOPTIONS(req)
			if err != nil {
				return c.mapModuleError(err)
			}
			return resp
		}
	}

	handles := c.srv.reg.List()
	methodSet := map[string]bool{"OPTIONS": true}
	for _, h := range handles {
		for _, m := range h.SupportedMethods() {
			methodSet[string(m)] = true
		}
	}
	methods := make([]string, 0, len(methodSet))
	for m := range methodSet {
		methods = append(methods, m)
	}

	return c.srv.gen.Options(response.OptionsCapabilities{
		Methods:           methods,
		Service:           c.srv.cfg.ServerBanner,
		MaxConnections:    c.srv.cfg.MaxConnections,
		OptionsTTLSeconds: 3600,
		TransferComplete:  "*",
	})
}

func serviceName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.Trim(u.Path, "/")
}

// mapModuleError translates a module.Error into the response spec.md §7
// assigns its Kind: InitFailed/LoadFailed/DependencyMissing mean the
// service is unavailable; ExecutionFailed from a fail-fast stage is a
// server error; anything else not registered reads as not-found.
func (c *connHandler) mapModuleError(err error) *icap.Response {
	if merr, ok := err.(*module.Error); ok {
		switch merr.Kind {
		case module.ErrNotFound:
			return c.srv.gen.NotFound(merr.Reason)
		case module.ErrInitFailed, module.ErrLoadFailed, module.ErrDependencyMissing:
			return c.srv.gen.ServiceUnavailable(merr.Reason, c.srv.cfg.RetryAfterSeconds)
		case module.ErrVersionIncompatible:
			return c.srv.gen.HTTPVersionNotSupported(merr.Reason)
		default:
			return c.srv.gen.InternalServerError(merr.Reason)
		}
	}
	return c.mapParseError(err)
}

// mapParseError translates a wire-codec error into the response spec.md §7
// assigns it: malformed input reads as 400, an oversized header block or
// body as 413, and anything else as a defensive 500.
func (c *connHandler) mapParseError(err error) *icap.Response {
	switch e := err.(type) {
	case *icap.ProtocolError:
		if e.Kind == icap.ErrHeadersTooLarge {
			return c.srv.gen.RequestEntityTooLarge(e.Error())
		}
		if e.Kind == icap.ErrUnsupportedVersion {
			return c.srv.gen.HTTPVersionNotSupported(e.Error())
		}
		return c.srv.gen.BadRequest(e.Error())
	case *icap.UnsupportedVersion:
		return c.srv.gen.HTTPVersionNotSupported(e.Error())
	case *icap.EncapsulationError, *icap.ChunkedError:
		return c.srv.gen.BadRequest(err.Error())
	default:
		return c.srv.gen.InternalServerError("internal error")
	}
}

func (c *connHandler) writeAndMaybeClose(resp *icap.Response, closeConn bool) int {
	if closeConn {
		resp.Header.Set("Connection", "close")
	}
	raw, err := icap.SerializeResponse(resp)
	if err != nil {
		return 0
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.ReadTimeout))
	n, _ := c.conn.Write(raw)
	return n
}

func (c *connHandler) audit(sev audit.Severity, category, format string, args ...any) {
	c.srv.sink.Record(context.Background(), audit.Event{
		Timestamp: time.Now(),
		Severity:  sev,
		Category:  category,
		Subject:   c.clientIP,
		Details:   fmt.Sprintf(format, args...),
	})
}

func (c *connHandler) auditOutcome(ctx *pipeline.Context) {
	if ctx.Response == nil {
		return
	}
	switch {
	case ctx.Response.StatusCode == 403:
		c.audit(audit.SeverityBlock, "content-adaptation", "request blocked: %s", ctx.Response.Reason)
	case ctx.Response.StatusCode >= 500:
		c.audit(audit.SeverityError, "content-adaptation", "adaptation error: %s", ctx.Response.Reason)
	default:
		c.audit(audit.SeverityInfo, "content-adaptation", "request adapted: %d", ctx.Response.StatusCode)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func isClosedOrTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	if pe, ok := err.(*icap.ProtocolError); ok && pe.Kind == icap.ErrEmptyMessage {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "EOF")
}
