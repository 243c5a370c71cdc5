package icap

import (
	"bytes"
	"fmt"
	"sort"
)

// SerializeResponse renders resp to wire bytes. The Encapsulated header is
// always recomputed from the actual serialized section lengths unless the
// caller already set one explicitly and resp.Encapsulated is nil (a
// header-only response with no structured payload to derive offsets from).
// Per spec.md §4.1, a 204 response's body is elided regardless of what the
// caller placed in resp.Body or resp.Encapsulated's body sections.
func SerializeResponse(resp *Response) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", Version, resp.StatusCode, resp.Reason)

	hdr := resp.Header.Clone()
	if hdr == nil {
		hdr = NewHeader()
	}

	if resp.StatusCode == 204 {
		// No body allowed; strip any body section from the payload before
		// computing offsets, but keep header sections (e.g. a 204 may
		// still carry req-hdr/res-hdr context via null-body semantics).
		if resp.Encapsulated != nil {
			stripped := *resp.Encapsulated
			stripped.HasReqBody, stripped.ReqBody = false, nil
			stripped.HasResBody, stripped.ResBody = false, nil
			stripped.HasOptBody, stripped.OptBody = false, nil
			if !stripped.NullBody && stripped.ReqHdr == nil && stripped.ResHdr == nil {
				stripped.NullBody = true
			}
			resp.Encapsulated = &stripped
		}
		resp.Body = nil
	}

	encHeaderValue, payload, err := buildPayload(resp.Encapsulated)
	if err != nil {
		return nil, err
	}
	if encHeaderValue != "" {
		hdr.Set("Encapsulated", encHeaderValue)
	}

	writeHeaders(&buf, hdr)
	buf.WriteString("\r\n")
	buf.Write(payload)

	if resp.StatusCode != 204 {
		buf.Write(resp.Body)
	}
	return buf.Bytes(), nil
}

// SerializeRequest renders req to wire bytes, mirroring SerializeResponse.
func SerializeRequest(req *Request) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, req.URI, Version)

	hdr := req.Header.Clone()
	if hdr == nil {
		hdr = NewHeader()
	}

	encHeaderValue, payload, err := buildPayload(req.Encapsulated)
	if err != nil {
		return nil, err
	}
	if encHeaderValue != "" {
		hdr.Set("Encapsulated", encHeaderValue)
	}

	writeHeaders(&buf, hdr)
	buf.WriteString("\r\n")
	buf.Write(payload)
	return buf.Bytes(), nil
}

func writeHeaders(buf *bytes.Buffer, hdr Header) {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range hdr[k] {
			buf.WriteString(canonicalHeaderName(k))
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
}

// buildPayload serializes an EncapsulatedPayload's sections in order and
// returns the Encapsulated header value alongside the concatenated bytes.
// Offsets are derived strictly from the byte length of each serialized
// section — the correctness requirement spec.md §4.1 and §9 call out.
func buildPayload(p *EncapsulatedPayload) (string, []byte, error) {
	if p == nil {
		return "", nil, nil
	}

	order := p.order
	if len(order) == 0 {
		order = defaultOrder(p)
	}

	blocks := make(map[SectionName][]byte)
	if p.ReqHdr != nil {
		blocks[SectionReqHdr] = SerializeHTTPHeaderBlock(p.ReqHdr)
	}
	if p.ResHdr != nil {
		blocks[SectionResHdr] = SerializeHTTPHeaderBlock(p.ResHdr)
	}
	bodyCount := 0
	if p.HasReqBody {
		blocks[SectionReqBody] = EncodeChunked(p.ReqBody)
		bodyCount++
	}
	if p.HasResBody {
		blocks[SectionResBody] = EncodeChunked(p.ResBody)
		bodyCount++
	}
	if p.HasOptBody {
		blocks[SectionOptBody] = EncodeChunked(p.OptBody)
		bodyCount++
	}
	if p.NullBody {
		blocks[SectionNullBody] = nil
		bodyCount++
	}
	if bodyCount > 1 {
		return "", nil, NewEncapsulationError("more than one body-like section present")
	}

	value, payload := BuildEncapsulatedHeader(order, blocks)
	return value, payload, nil
}

// defaultOrder derives a sensible declaration order when the caller built
// an EncapsulatedPayload programmatically without setting one explicitly.
func defaultOrder(p *EncapsulatedPayload) []SectionName {
	var order []SectionName
	if p.ReqHdr != nil {
		order = append(order, SectionReqHdr)
	}
	if p.ResHdr != nil {
		order = append(order, SectionResHdr)
	}
	switch {
	case p.HasReqBody:
		order = append(order, SectionReqBody)
	case p.HasResBody:
		order = append(order, SectionResBody)
	case p.HasOptBody:
		order = append(order, SectionOptBody)
	case p.NullBody:
		order = append(order, SectionNullBody)
	}
	return order
}
