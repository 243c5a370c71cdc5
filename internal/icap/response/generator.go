// Package response builds RFC-3507-correct icap.Response values for every
// status code the server may emit (spec.md §4.2 / C2). It is pure: it
// never touches a socket. internal/icap serializes what it builds.
package response

import (
	"strconv"

	"github.com/ppomes/g3icap-go/internal/icap"
)

// chunkThreshold is the body-size cutoff above which the caller should
// prefer chunked transfer over Content-Length, per spec.md §4.2.
const chunkThreshold = 1 << 20 // 1 MiB

// ShouldUseChunked implements the should_use_chunked(size?) rule: unknown
// size, or a known size exceeding 1 MiB, calls for chunked encoding.
func ShouldUseChunked(size *int) bool {
	return size == nil || *size > chunkThreshold
}

// reasonPhrases is the canonical table from spec.md §6.2. 204 is special:
// the HTTP/RFC-7231 reason "No Content" is never used on the wire; ICAP
// responses always say "No Modifications" for that code.
var reasonPhrases = map[int]string{
	100: "Continue",
	200: "OK",
	204: "No Modifications",
	206: "Partial Content",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	409: "Conflict",
	413: "Request Entity Too Large",
	415: "Unsupported Media Type",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	505: "HTTP Version Not Supported",
}

// ReasonPhrase returns the canonical reason for code, or "" if code is not
// one the server emits.
func ReasonPhrase(code int) string { return reasonPhrases[code] }

// Generator builds responses carrying a fixed Server banner and the
// current ISTag (spec.md §4.2: "Every response carries Server, ISTag...").
// The ISTag is recomputed by the module registry whenever the active
// configuration changes (see Registry.ISTag in internal/module) and
// threaded in here by the caller.
type Generator struct {
	ServerBanner string
	ISTag        string
	ServiceID    string
}

// New builds a Generator with the given banner and ISTag.
func New(serverBanner, istag, serviceID string) *Generator {
	return &Generator{ServerBanner: serverBanner, ISTag: istag, ServiceID: serviceID}
}

func (g *Generator) base(code int) *icap.Response {
	h := icap.NewHeader()
	if g.ServerBanner != "" {
		h.Set("Server", g.ServerBanner)
	}
	if g.ISTag != "" {
		h.Set("ISTag", `"`+g.ISTag+`"`)
	}
	if g.ServiceID != "" {
		h.Set("Service-ID", g.ServiceID)
	}
	return &icap.Response{StatusCode: code, Reason: reasonPhrases[code], Header: h}
}

// Continue builds the 100 Continue response sent when the server wants
// the rest of a previewed body.
func (g *Generator) Continue() *icap.Response {
	r := g.base(100)
	r.Encapsulated = &icap.EncapsulatedPayload{NullBody: true}
	return r
}

// OK builds a 200 response carrying a modified message.
func (g *Generator) OK(payload *icap.EncapsulatedPayload) *icap.Response {
	r := g.base(200)
	r.Encapsulated = payload
	return r
}

// NoModifications builds the 204 "allow unchanged" response. Per spec.md
// §4.2/§4.6 it MUST NOT carry a body; the serializer enforces this too,
// but the generator never attaches one in the first place.
func (g *Generator) NoModifications(payload *icap.EncapsulatedPayload) *icap.Response {
	r := g.base(204)
	if payload == nil {
		payload = &icap.EncapsulatedPayload{NullBody: true}
	}
	r.Encapsulated = payload
	return r
}

// PartialContent builds a 206 response for a preview that was sufficient
// to decide but whose remaining body the server does not need.
func (g *Generator) PartialContent(payload *icap.EncapsulatedPayload) *icap.Response {
	r := g.base(206)
	r.Encapsulated = payload
	return r
}

// Found builds a 302 redirect response, used by the content filter's
// Redirect blocking action.
func (g *Generator) Found(location string) *icap.Response {
	r := g.base(302)
	r.Header.Set("Location", location)
	return r
}

// NotModified builds a 304 response.
func (g *Generator) NotModified() *icap.Response {
	return g.base(304)
}

// errorResponse is the common shape for every 4xx/5xx: null-body
// Encapsulated, Connection: close, and an optional short plain-text body
// describing the failure without leaking internals (spec.md §7).
func (g *Generator) errorResponse(code int, body string) *icap.Response {
	r := g.base(code)
	r.Header.Set("Connection", "close")
	r.Encapsulated = &icap.EncapsulatedPayload{NullBody: true}
	if body != "" {
		r.Body = []byte(body)
	}
	return r
}

// BadRequest builds 400.
func (g *Generator) BadRequest(msg string) *icap.Response { return g.errorResponse(400, msg) }

// Forbidden builds 403, the content filter and antivirus block response.
func (g *Generator) Forbidden(msg string) *icap.Response { return g.errorResponse(403, msg) }

// NotFound builds 404.
func (g *Generator) NotFound(msg string) *icap.Response { return g.errorResponse(404, msg) }

// MethodNotAllowed builds 405 with the mandatory Allow header.
func (g *Generator) MethodNotAllowed(allow string) *icap.Response {
	r := g.errorResponse(405, "")
	r.Header.Set("Allow", allow)
	return r
}

// ProxyAuthRequired builds 407 with the mandatory Proxy-Authenticate header.
func (g *Generator) ProxyAuthRequired(challenge string) *icap.Response {
	r := g.errorResponse(407, "")
	r.Header.Set("Proxy-Authenticate", challenge)
	return r
}

// RequestTimeout builds 408, sent when a connection's read deadline expires
// while a request is already past headers and into body/processing (spec.md
// §4.5.2: "if in PROCESSING, send a 408 if possible"). A timeout before any
// request has begun (idle keep-alive) never reaches this constructor; the
// connection is simply closed.
func (g *Generator) RequestTimeout(msg string) *icap.Response { return g.errorResponse(408, msg) }

// Conflict builds 409.
func (g *Generator) Conflict(msg string) *icap.Response { return g.errorResponse(409, msg) }

// RequestEntityTooLarge builds 413, emitted when a body exceeds
// max_body_size (spec.md §4.5.2, §8.4 scenario 6).
func (g *Generator) RequestEntityTooLarge(msg string) *icap.Response {
	return g.errorResponse(413, msg)
}

// UnsupportedMediaType builds 415.
func (g *Generator) UnsupportedMediaType(msg string) *icap.Response {
	return g.errorResponse(415, msg)
}

// InternalServerError builds 500, emitted for a fail-fast module's
// ExecutionFailed (spec.md §4.3.1/§7).
func (g *Generator) InternalServerError(msg string) *icap.Response {
	return g.errorResponse(500, msg)
}

// NotImplemented builds 501.
func (g *Generator) NotImplemented(msg string) *icap.Response { return g.errorResponse(501, msg) }

// BadGateway builds 502, emitted when an upstream scan engine is
// unreachable.
func (g *Generator) BadGateway(msg string) *icap.Response { return g.errorResponse(502, msg) }

// ServiceUnavailable builds 503, optionally with Retry-After, emitted when
// the accept semaphore is exhausted or a module failed to init.
func (g *Generator) ServiceUnavailable(msg string, retryAfterSeconds int) *icap.Response {
	r := g.errorResponse(503, msg)
	if retryAfterSeconds > 0 {
		r.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	return r
}

// HTTPVersionNotSupported builds 505, emitted when the request line names
// an ICAP version other than ICAP/1.0.
func (g *Generator) HTTPVersionNotSupported(msg string) *icap.Response {
	return g.errorResponse(505, msg)
}

// OptionsCapabilities builds the 204 OPTIONS discovery response described
// in spec.md §4.5.3, with capability headers sourced from live
// configuration rather than hard-coded.
type OptionsCapabilities struct {
	Methods          []string
	Service          string
	MaxConnections   int
	OptionsTTLSeconds int
	PreviewBytes     int
	TransferPreview  string
	TransferIgnore   string
	TransferComplete string
	Extra            map[string]string
}

func (g *Generator) Options(caps OptionsCapabilities) *icap.Response {
	r := g.NoModifications(nil)
	methods := ""
	for i, m := range caps.Methods {
		if i > 0 {
			methods += ", "
		}
		methods += m
	}
	r.Header.Set("Methods", methods)
	if caps.Service != "" {
		r.Header.Set("Service", caps.Service)
	}
	r.Header.Set("Max-Connections", strconv.Itoa(caps.MaxConnections))
	r.Header.Set("Options-TTL", strconv.Itoa(caps.OptionsTTLSeconds))
	r.Header.Set("Allow", "204")
	r.Header.Set("Preview", strconv.Itoa(caps.PreviewBytes))
	if caps.TransferPreview != "" {
		r.Header.Set("Transfer-Preview", caps.TransferPreview)
	}
	if caps.TransferIgnore != "" {
		r.Header.Set("Transfer-Ignore", caps.TransferIgnore)
	}
	r.Header.Set("Transfer-Complete", caps.TransferComplete)
	for k, v := range caps.Extra {
		r.Header.Set(k, v)
	}
	return r
}
