package icap

import (
	"bufio"
	"bytes"
	"testing"
)

func sampleReqmodRequest() *Request {
	h := NewHeader()
	h.Set("Host", "example.com")
	h.Set("Preview", "0")

	reqHdr := &HTTPHeaderBlock{FirstLine: "GET / HTTP/1.1", Header: NewHeader()}
	reqHdr.Header.Set("Host", "example.com")

	return &Request{
		Method:  REQMOD,
		URI:     "icap://icap.example.com/reqmod",
		Version: Version,
		Header:  h,
		Encapsulated: &EncapsulatedPayload{
			ReqHdr:     reqHdr,
			HasReqBody: true,
			ReqBody:    []byte("the request body"),
		},
	}
}

func TestSerializeParseRequestRoundTrip(t *testing.T) {
	req := sampleReqmodRequest()

	raw, err := SerializeRequest(req)
	if err != nil {
		t.Fatalf("SerializeRequest: %v", err)
	}

	parsed, err := ParseRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	if parsed.Method != REQMOD || parsed.URI != req.URI || parsed.Version != Version {
		t.Fatalf("request line mismatch: got %+v", parsed)
	}
	if parsed.Header.Get("Host") != "example.com" {
		t.Fatalf("expected Host header to survive round trip, got %q", parsed.Header.Get("Host"))
	}
	if parsed.Encapsulated == nil || !parsed.Encapsulated.HasReqBody {
		t.Fatalf("expected a decoded req-body section")
	}
	if string(parsed.Encapsulated.ReqBody) != "the request body" {
		t.Fatalf("got body %q", parsed.Encapsulated.ReqBody)
	}
	if parsed.Encapsulated.ReqHdr == nil || parsed.Encapsulated.ReqHdr.FirstLine != "GET / HTTP/1.1" {
		t.Fatalf("expected embedded req-hdr first line to survive, got %+v", parsed.Encapsulated.ReqHdr)
	}
}

func TestParseRequestRejectsUnsupportedVersion(t *testing.T) {
	raw := "REQMOD icap://x/y ICAP/2.0\r\nHost: x\r\n\r\n"
	_, err := ParseRequest(bufio.NewReader(bytes.NewReader([]byte(raw))))
	if err == nil {
		t.Fatal("expected an error for an unsupported ICAP version")
	}
	if _, ok := err.(*UnsupportedVersion); !ok {
		t.Fatalf("expected *UnsupportedVersion, got %T: %v", err, err)
	}
}

func TestParseRequestRejectsMalformedRequestLine(t *testing.T) {
	raw := "REQMOD icap://x/y\r\nHost: x\r\n\r\n"
	_, err := ParseRequest(bufio.NewReader(bytes.NewReader([]byte(raw))))
	if err == nil {
		t.Fatal("expected an error for a request line missing the version token")
	}
}

func TestParseRequestRejectsUnknownMethod(t *testing.T) {
	raw := "FROBNICATE icap://x/y ICAP/1.0\r\nHost: x\r\n\r\n"
	_, err := ParseRequest(bufio.NewReader(bytes.NewReader([]byte(raw))))
	if err == nil {
		t.Fatal("expected an error for an unknown ICAP method")
	}
}

func TestParseRequestEmptyConnectionReturnsEmptyMessage(t *testing.T) {
	_, err := ParseRequest(bufio.NewReader(bytes.NewReader(nil)))
	if err == nil {
		t.Fatal("expected an error reading from an empty connection")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Kind != ErrEmptyMessage {
		t.Fatalf("expected ErrEmptyMessage, got %T: %v", err, err)
	}
}

func TestReadEncapsulatedDoesNotOverreadKeepAliveConnection(t *testing.T) {
	// Two back-to-back requests on the same reader: readEncapsulated must
	// stop exactly at the first message's end so the second parses cleanly,
	// the keep-alive guarantee parse.go's readLastSection exists for.
	req := sampleReqmodRequest()
	raw1, err := SerializeRequest(req)
	if err != nil {
		t.Fatalf("SerializeRequest: %v", err)
	}
	raw2, err := SerializeRequest(req)
	if err != nil {
		t.Fatalf("SerializeRequest: %v", err)
	}

	r := bufio.NewReader(bytes.NewReader(append(append([]byte{}, raw1...), raw2...)))

	first, err := ParseRequest(r)
	if err != nil {
		t.Fatalf("first ParseRequest: %v", err)
	}
	if string(first.Encapsulated.ReqBody) != "the request body" {
		t.Fatalf("first message body corrupted: %q", first.Encapsulated.ReqBody)
	}

	second, err := ParseRequest(r)
	if err != nil {
		t.Fatalf("second ParseRequest: %v", err)
	}
	if string(second.Encapsulated.ReqBody) != "the request body" {
		t.Fatalf("second message body corrupted: %q", second.Encapsulated.ReqBody)
	}
}
