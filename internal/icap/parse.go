package icap

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"unicode"
)

// maxHeaderBytes bounds the ICAP header-plus-request-line read, per
// spec.md §4.5.2's DoS note. The connection handler enforces this against
// the raw socket; ParseRequest/ParseResponse enforce it again against
// whatever reader they're given so the codec is safe to use standalone.
const maxHeaderBytes = 64 * 1024

// maxCodecBodyBytes bounds the wire codec's own incremental read of a
// chunked body section, independent of whatever max_body_size the server
// layer additionally enforces with a 413 — this is the codec's own
// DoS backstop so a bare ParseRequest/ParseResponse call is safe standalone.
const maxCodecBodyBytes = 64 << 20

// ParseRequest reads one ICAP request from r: request line, ICAP headers,
// and (if Encapsulated is present) the encapsulated payload, dechunking any
// chunked body section. r must be positioned at the start of a message.
func ParseRequest(r *bufio.Reader) (*Request, error) {
	head, err := readHeadBytes(r)
	if err != nil {
		return nil, err
	}
	lineEnd := bytes.IndexByte(head, '\n')
	if lineEnd < 0 {
		return nil, NewProtocolError(ErrMalformedRequestLine, "request-line")
	}
	requestLine := strings.TrimRight(string(head[:lineEnd]), "\r\n")
	if requestLine == "" {
		return nil, NewProtocolError(ErrEmptyMessage, "request-line")
	}
	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) != 3 {
		return nil, NewProtocolError(ErrMalformedRequestLine, "request-line")
	}
	method, ok := ParseMethod(parts[0])
	if !ok {
		return nil, NewProtocolError(ErrUnknownMethod, "request-line")
	}
	if parts[2] != Version {
		return nil, &UnsupportedVersion{Got: parts[2]}
	}

	header, err := parseICAPHeaders(head[lineEnd+1:])
	if err != nil {
		return nil, err
	}
	if err := requireASCII(head); err != nil {
		return nil, err
	}

	req := &Request{Method: method, URI: parts[1], Version: parts[2], Header: header}

	if enc := header.Get("Encapsulated"); enc != "" {
		payload, err := readEncapsulated(r, enc)
		if err != nil {
			return nil, err
		}
		req.Encapsulated = payload
	}
	return req, nil
}

// ParseResponse reads one ICAP response from r, mirroring ParseRequest.
func ParseResponse(r *bufio.Reader) (*Response, error) {
	head, err := readHeadBytes(r)
	if err != nil {
		return nil, err
	}
	lineEnd := bytes.IndexByte(head, '\n')
	if lineEnd < 0 {
		return nil, NewProtocolError(ErrMalformedRequestLine, "status-line")
	}
	statusLine := strings.TrimRight(string(head[:lineEnd]), "\r\n")
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || parts[0] != Version {
		return nil, NewProtocolError(ErrMalformedRequestLine, "status-line")
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return nil, NewProtocolError(ErrMalformedRequestLine, "status-code")
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	header, err := parseICAPHeaders(head[lineEnd+1:])
	if err != nil {
		return nil, err
	}

	resp := &Response{StatusCode: code, Reason: reason, Header: header}
	if enc := header.Get("Encapsulated"); enc != "" {
		payload, err := readEncapsulated(r, enc)
		if err != nil {
			return nil, err
		}
		resp.Encapsulated = payload
	}
	return resp, nil
}

// readHeadBytes reads up to and including the CRLFCRLF that terminates the
// ICAP request/status line and headers, bounded by maxHeaderBytes.
func readHeadBytes(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(line)
		}
		if err != nil {
			if err == io.EOF && buf.Len() == 0 {
				return nil, NewProtocolError(ErrEmptyMessage, "head")
			}
			return nil, NewProtocolError(ErrMalformedHeader, "head")
		}
		if buf.Len() > maxHeaderBytes {
			return nil, NewProtocolError(ErrHeadersTooLarge, "head")
		}
		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "" {
			break
		}
	}
	return buf.Bytes(), nil
}

// parseICAPHeaders parses "field-name: value" lines separated by CRLF, the
// same grammar as HTTP/1.1 headers, tolerating header folding via
// textproto's continuation handling.
func parseICAPHeaders(raw []byte) (Header, error) {
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	mh, err := tr.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, NewProtocolError(ErrMalformedHeader, "icap-headers")
	}
	h := NewHeader()
	for k, vs := range mh {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h, nil
}

// requireASCII enforces spec.md §4.1: header bytes must be printable ASCII
// plus OWS (space/tab), and non-UTF-8 (or more narrowly, non-ASCII) bytes
// in headers are rejected as a protocol error.
func requireASCII(head []byte) error {
	for _, b := range head {
		if b == '\r' || b == '\n' {
			continue
		}
		if b > unicode.MaxASCII {
			return NewProtocolError(ErrNonASCIIHeader, "icap-headers")
		}
	}
	return nil
}

// readEncapsulated reads and reconstructs the encapsulated payload. Unlike
// a naive io.ReadAll, it reads exactly as many bytes as the message
// declares: the offset of the last section tells us how many bytes the
// preceding header blocks occupy, and the last section's own end is found
// either at the header-block terminator (a trailing header-only section)
// or at the chunked terminator chunk (a body section), read incrementally
// off the connection rather than waiting for EOF — essential for
// keep-alive connections that never close between messages.
func readEncapsulated(r *bufio.Reader, encHeader string) (*EncapsulatedPayload, error) {
	entries, err := ParseEncapsulatedHeader(encHeader)
	if err != nil {
		return nil, err
	}

	last := entries[len(entries)-1]
	prefix := make([]byte, last.offset)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, NewProtocolError(ErrMalformedHeader, "encapsulated-payload")
	}

	tail, err := readLastSection(r, last.name)
	if err != nil {
		return nil, err
	}

	raw := append(prefix, tail...)
	payload, err := SplitEncapsulated(entries, raw)
	if err != nil {
		return nil, err
	}
	if err := dechunkPayload(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// dechunkPayload replaces each present body section's raw wire bytes with
// its decoded form in place.
func dechunkPayload(payload *EncapsulatedPayload) error {
	if payload.HasReqBody {
		decoded, _, err := maybeDechunk(payload.ReqBody, payload.ReqHdr)
		if err != nil {
			return err
		}
		payload.ReqBody = decoded
	}
	if payload.HasResBody {
		decoded, _, err := maybeDechunk(payload.ResBody, payload.ResHdr)
		if err != nil {
			return err
		}
		payload.ResBody = decoded
	}
	if payload.HasOptBody {
		// opt-body is always chunked per RFC 3507 §4.7 in practice; decode
		// unconditionally, tolerating a non-chunked body defensively.
		if LooksChunked(payload.OptBody) {
			decoded, err := DecodeChunkedComplete(payload.OptBody)
			if err != nil {
				return err
			}
			payload.OptBody = decoded
		}
	}
	return nil
}

// readLastSection reads the bytes belonging to the final declared section,
// whose length isn't known from the Encapsulated header (it "runs to the
// payload end"). A header-block section ends at its own blank-line
// terminator; a body section is always chunk-framed at the ICAP layer
// (RFC 3507 §4.4) regardless of the embedded HTTP message's own
// Transfer-Encoding, so it's read incrementally until the terminator chunk
// is seen; a null-body section has no bytes at all.
func readLastSection(r *bufio.Reader, name SectionName) ([]byte, error) {
	switch name {
	case SectionNullBody:
		return nil, nil
	case SectionReqHdr, SectionResHdr:
		return readUntilBlankLine(r)
	default:
		return readChunkedSection(r)
	}
}

func readUntilBlankLine(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(line)
		}
		if err != nil {
			return nil, NewProtocolError(ErrMalformedHeader, "trailing-header-block")
		}
		if buf.Len() > maxHeaderBytes {
			return nil, NewProtocolError(ErrHeadersTooLarge, "trailing-header-block")
		}
		if strings.TrimRight(string(line), "\r\n") == "" {
			return buf.Bytes(), nil
		}
	}
}

// readChunkedSection reads wire bytes line-by-line (tolerating raw binary
// chunk data that happens to contain '\n') and re-attempts
// DecodeChunkedIncremental after each read, stopping the instant the
// terminator chunk is recognised — exactly the restartable contract
// DecodeChunkedIncremental was designed around, applied to a live
// connection instead of an already-buffered byte slice.
func readChunkedSection(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(line)
		}
		if err != nil {
			return nil, NewChunkedError("truncated chunked body")
		}
		_, consumed, complete, decErr := DecodeChunkedIncremental(buf.Bytes())
		if decErr != nil {
			return nil, decErr
		}
		if complete {
			return buf.Bytes()[:consumed], nil
		}
		if buf.Len() > maxCodecBodyBytes {
			return nil, NewChunkedError("chunked body exceeds maximum size")
		}
	}
}

func maybeDechunk(body []byte, hdr *HTTPHeaderBlock) (decoded []byte, wasChunked bool, err error) {
	chunked := false
	if hdr != nil && strings.Contains(strings.ToLower(hdr.Header.Get("Transfer-Encoding")), "chunked") {
		chunked = true
	} else if hdr == nil || !hdr.Header.Has("Transfer-Encoding") {
		chunked = LooksChunked(body)
	}
	if !chunked {
		return body, false, nil
	}
	decoded, err = DecodeChunkedComplete(body)
	if err != nil {
		return nil, true, err
	}
	return decoded, true, nil
}
