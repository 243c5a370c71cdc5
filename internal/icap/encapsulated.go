package icap

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
)

// offsetEntry is one "name=offset" pair from the Encapsulated header, kept
// in declaration order.
type offsetEntry struct {
	name   SectionName
	offset int
}

// ParseEncapsulatedHeader parses the comma-separated "name=offset" list
// into declaration-ordered entries. It does not validate monotonicity
// against payload length; that happens once the payload is known, in
// SplitEncapsulated.
func ParseEncapsulatedHeader(value string) ([]offsetEntry, error) {
	if strings.TrimSpace(value) == "" {
		return nil, NewEncapsulationError("empty Encapsulated header")
	}
	parts := strings.Split(value, ",")
	entries := make([]offsetEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, NewEncapsulationError("malformed entry: " + part)
		}
		name := SectionName(strings.TrimSpace(part[:eq]))
		switch name {
		case SectionReqHdr, SectionResHdr, SectionReqBody, SectionResBody, SectionNullBody, SectionOptBody:
		default:
			return nil, NewEncapsulationError("unknown section name: " + string(name))
		}
		offset, err := strconv.Atoi(strings.TrimSpace(part[eq+1:]))
		if err != nil {
			return nil, NewEncapsulationError("non-numeric offset in: " + part)
		}
		entries = append(entries, offsetEntry{name: name, offset: offset})
	}
	if len(entries) == 0 {
		return nil, NewEncapsulationError("empty Encapsulated header")
	}
	// Offsets must be monotonically non-decreasing in declaration order
	// (spec.md §3.1 invariant).
	for i := 1; i < len(entries); i++ {
		if entries[i].offset < entries[i-1].offset {
			return nil, NewEncapsulationError("offsets are not monotonically non-decreasing")
		}
	}
	return entries, nil
}

// SplitEncapsulated reconstructs the EncapsulatedPayload by slicing
// payload according to the parsed offset entries: the final section runs
// to the payload's end, and each header section is parsed as an HTTP
// header block (request line or status line plus fields) via
// textproto.Reader, matching net/http's own header-parsing idiom.
func SplitEncapsulated(entries []offsetEntry, payload []byte) (*EncapsulatedPayload, error) {
	out := &EncapsulatedPayload{}
	for i, e := range entries {
		if e.offset > len(payload) {
			return nil, NewEncapsulationError(fmt.Sprintf("offset %d for %s is past payload end (%d)", e.offset, e.name, len(payload)))
		}
		end := len(payload)
		if i+1 < len(entries) {
			end = entries[i+1].offset
		}
		if end < e.offset {
			return nil, NewEncapsulationError("non-monotonic section bounds")
		}
		section := payload[e.offset:end]
		out.order = append(out.order, e.name)

		switch e.name {
		case SectionReqHdr:
			block, err := parseHTTPHeaderBlock(section)
			if err != nil {
				return nil, err
			}
			out.ReqHdr = block
		case SectionResHdr:
			block, err := parseHTTPHeaderBlock(section)
			if err != nil {
				return nil, err
			}
			out.ResHdr = block
		case SectionReqBody:
			out.ReqBody = section
			out.HasReqBody = true
		case SectionResBody:
			out.ResBody = section
			out.HasResBody = true
		case SectionOptBody:
			out.OptBody = section
			out.HasOptBody = true
		case SectionNullBody:
			out.NullBody = true
		}
	}
	return out, nil
}

// parseHTTPHeaderBlock parses a header section: first line (request-line or
// status-line) preserved verbatim, remaining lines parsed as MIME-style
// headers via textproto.Reader, the same reader net/http itself uses.
func parseHTTPHeaderBlock(section []byte) (*HTTPHeaderBlock, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(section)))
	firstLine, err := r.ReadLine()
	if err != nil {
		return nil, NewProtocolError(ErrMalformedHeader, "http-header-block first line")
	}
	mimeHeader, err := r.ReadMIMEHeader()
	if err != nil && len(mimeHeader) == 0 {
		// A block with only a first line and no fields is valid (e.g. a
		// bare status line); textproto returns io.EOF in that case.
	}
	hdr := NewHeader()
	for k, vs := range mimeHeader {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}
	return &HTTPHeaderBlock{FirstLine: firstLine, Header: hdr, raw: section}, nil
}

// BuildEncapsulatedHeader computes the Encapsulated header value and the
// serialized payload bytes for the given sections, in declared order. The
// offsets MUST be derived from the actual serialized byte length of each
// section — never from header entry counts, the bug spec.md calls out.
func BuildEncapsulatedHeader(order []SectionName, blocks map[SectionName][]byte) (header string, payload []byte) {
	var buf bytes.Buffer
	var pairs []string
	for _, name := range order {
		b, ok := blocks[name]
		if !ok {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%s=%d", name, buf.Len()))
		if name != SectionNullBody {
			buf.Write(b)
		}
	}
	return strings.Join(pairs, ", "), buf.Bytes()
}

// SerializeHTTPHeaderBlock renders a header block back to wire bytes: the
// first line, each header field, then the blank-line terminator. Byte
// length of this output is what offsets must be computed from.
func SerializeHTTPHeaderBlock(b *HTTPHeaderBlock) []byte {
	var buf bytes.Buffer
	buf.WriteString(b.FirstLine)
	buf.WriteString("\r\n")
	keys := make([]string, 0, len(b.Header))
	for k := range b.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range b.Header[k] {
			buf.WriteString(canonicalHeaderName(k))
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// canonicalHeaderName renders a lowercased header key in the conventional
// Title-Case wire form (Content-Type, not content-type).
func canonicalHeaderName(key string) string {
	parts := strings.Split(key, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}
