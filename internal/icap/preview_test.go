package icap

import (
	"bufio"
	"bytes"
	"strconv"
	"testing"
)

func buildPreviewMessage(previewN int, chunkedBody string) []byte {
	var buf bytes.Buffer
	buf.WriteString("REQMOD icap://icap.example.com/reqmod ICAP/1.0\r\n")
	buf.WriteString("Host: example.com\r\n")
	buf.WriteString("Preview: ")
	buf.WriteString(strconv.Itoa(previewN))
	buf.WriteString("\r\n")
	buf.WriteString("Encapsulated: req-body=0\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(chunkedBody)
	return buf.Bytes()
}

// TestParsePreviewRequestIEOFWithinPreview covers the case where the
// client's whole body fits inside the negotiated preview window and the
// chunked stream terminates before previewN is reached: the server never
// needs to ask for a remainder (spec.md §8.4 scenario 5, ieof case).
func TestParsePreviewRequestIEOFWithinPreview(t *testing.T) {
	msg := buildPreviewMessage(100, "5\r\nshort\r\n0\r\n\r\n")
	parsed, err := ParsePreviewRequest(bufio.NewReader(bytes.NewReader(msg)))
	if err != nil {
		t.Fatalf("ParsePreviewRequest: %v", err)
	}
	if !parsed.Complete {
		t.Fatalf("expected Complete=true when the body terminates within the preview window")
	}
	if string(parsed.Request.PreviewBody) != "short" {
		t.Fatalf("got preview body %q", parsed.Request.PreviewBody)
	}
	if !parsed.Request.IsPreviewIEOF {
		t.Fatalf("expected IsPreviewIEOF to be set")
	}
}

// TestParsePreviewRequestThenReadRemainder covers a body larger than the
// preview: ParsePreviewRequest returns Complete=false, and a subsequent
// ReadChunkedRemainder call (as the connection handler does after sending
// 100 Continue) recovers the rest of the same chunked stream, reconstructing
// the full original body.
func TestParsePreviewRequestThenReadRemainder(t *testing.T) {
	body := "this is a long preview test body"
	chunked := string(EncodeChunked([]byte(body)))
	msg := buildPreviewMessage(5, chunked)

	r := bufio.NewReader(bytes.NewReader(msg))
	parsed, err := ParsePreviewRequest(r)
	if err != nil {
		t.Fatalf("ParsePreviewRequest: %v", err)
	}
	if parsed.Complete {
		t.Fatalf("expected Complete=false for a body exceeding the preview window")
	}

	rest, err := ReadChunkedRemainder(r)
	if err != nil {
		t.Fatalf("ReadChunkedRemainder: %v", err)
	}

	full := append(append([]byte{}, parsed.Request.PreviewBody...), rest...)
	if string(full) != body {
		t.Fatalf("reassembled body = %q, want %q", full, body)
	}
}

func TestParsePreviewRequestWithoutPreviewHeaderReadsWholeBody(t *testing.T) {
	chunked := string(EncodeChunked([]byte("no preview negotiated")))
	var buf bytes.Buffer
	buf.WriteString("REQMOD icap://icap.example.com/reqmod ICAP/1.0\r\n")
	buf.WriteString("Host: example.com\r\n")
	buf.WriteString("Encapsulated: req-body=0\r\n\r\n")
	buf.WriteString(chunked)

	parsed, err := ParsePreviewRequest(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	if err != nil {
		t.Fatalf("ParsePreviewRequest: %v", err)
	}
	if !parsed.Complete {
		t.Fatalf("expected Complete=true with no Preview header")
	}
	if string(parsed.Request.Encapsulated.ReqBody) != "no preview negotiated" {
		t.Fatalf("got %q", parsed.Request.Encapsulated.ReqBody)
	}
}
