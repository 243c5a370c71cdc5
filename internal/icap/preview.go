package icap

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
)

// PreviewParse is the result of ParsePreviewRequest: the request (with
// whatever body bytes were available), and whether that's the complete
// body or the server must request the remainder (spec.md §4.5.2's preview
// flow, §8.4 scenario 5).
type PreviewParse struct {
	Request  *Request
	Complete bool
}

// ParsePreviewRequest parses a request the way ParseRequest does, except
// when the request declares Preview and its last encapsulated section is a
// body: then only the negotiated N bytes (or fewer, if the client signals
// ieof early by completing the chunked stream within the preview) are read.
// The connection's reader is left positioned so a later ReadChunkedRemainder
// call continues the same chunked stream after the server's 100 Continue.
func ParsePreviewRequest(r *bufio.Reader) (*PreviewParse, error) {
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

	enc := header.Get("Encapsulated")
	if enc == "" {
		return &PreviewParse{Request: req, Complete: true}, nil
	}

	entries, err := ParseEncapsulatedHeader(enc)
	if err != nil {
		return nil, err
	}
	last := entries[len(entries)-1]
	prefix := make([]byte, last.offset)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, NewProtocolError(ErrMalformedHeader, "encapsulated-payload")
	}

	previewN, hasPreview := req.Preview()
	bodyLike := last.name == SectionReqBody || last.name == SectionResBody || last.name == SectionOptBody

	if !hasPreview || !bodyLike {
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
		req.Encapsulated = payload
		return &PreviewParse{Request: req, Complete: true}, nil
	}

	decoded, complete, err := readChunkedUpTo(r, previewN)
	if err != nil {
		return nil, err
	}

	payload, err := SplitEncapsulated(entries, prefix)
	if err != nil {
		return nil, err
	}
	setBody(payload, last.name, decoded, true)

	req.Encapsulated = payload
	req.PreviewBody = decoded
	req.IsPreviewIEOF = complete

	return &PreviewParse{Request: req, Complete: complete}, nil
}

// ReadChunkedRemainder continues the same chunked body stream ParsePreviewRequest
// left the reader positioned at, reading and decoding until the terminator
// chunk, used after the server emits 100 Continue.
func ReadChunkedRemainder(r *bufio.Reader) ([]byte, error) {
	decoded, complete, err := readChunkedUpTo(r, -1)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, NewChunkedError("remainder did not terminate")
	}
	return decoded, nil
}

// readChunkedUpTo reads and chunk-decodes from r until either the
// terminator chunk is seen (complete=true) or at least previewN decoded
// bytes have accumulated (complete=false, early stop for a preview read).
// previewN < 0 disables the early stop, reading to completion.
func readChunkedUpTo(r *bufio.Reader, previewN int) (decoded []byte, complete bool, err error) {
	var buf bytes.Buffer
	for {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(line)
		}
		if rerr != nil {
			// A deadline expiring mid-stream is a transport timeout, not a
			// framing error; preserve it so the caller can tell the two apart
			// (spec.md §4.5.2: a timeout here should surface as a 408).
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				return nil, false, rerr
			}
			return nil, false, NewChunkedError("truncated chunked body")
		}
		dec, _, comp, decErr := DecodeChunkedIncremental(buf.Bytes())
		if decErr != nil {
			return nil, false, decErr
		}
		if comp {
			return dec, true, nil
		}
		if previewN >= 0 && len(dec) >= previewN {
			return dec, false, nil
		}
		if buf.Len() > maxCodecBodyBytes {
			return nil, false, NewChunkedError("chunked body exceeds maximum size")
		}
	}
}

func setBody(p *EncapsulatedPayload, name SectionName, data []byte, has bool) {
	switch name {
	case SectionReqBody:
		p.ReqBody, p.HasReqBody = data, has
	case SectionResBody:
		p.ResBody, p.HasResBody = data, has
	case SectionOptBody:
		p.OptBody, p.HasOptBody = data, has
	}
}
