package icap

import (
	"bytes"
	"strconv"
)

// DecodeChunkedIncremental decodes as many complete chunks as are present
// at the front of buf, in the style of the teacher's readChunked but made
// restartable: given a buffer that may still be growing (more bytes will
// arrive from the wire later), it returns the bytes successfully decoded so
// far, how many input bytes were consumed producing them, and whether the
// terminator chunk ("0\r\n" plus optional trailers, then a blank line) was
// seen. Callers with an incomplete final chunk should keep the unconsumed
// tail of buf and call again once more bytes arrive.
func DecodeChunkedIncremental(buf []byte) (decoded []byte, consumed int, complete bool, err error) {
	var out bytes.Buffer
	pos := 0
	for {
		sizeEnd := bytes.Index(buf[pos:], []byte("\r\n"))
		if sizeEnd < 0 {
			// Chunk-size line hasn't fully arrived yet.
			return out.Bytes(), pos, false, nil
		}
		sizeLine := buf[pos : pos+sizeEnd]
		if semi := bytes.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi] // discard chunk extensions
		}
		size, convErr := strconv.ParseUint(string(bytes.TrimSpace(sizeLine)), 16, 64)
		if convErr != nil {
			return nil, 0, false, NewChunkedError("invalid chunk size: " + string(sizeLine))
		}
		chunkStart := pos + sizeEnd + 2

		if size == 0 {
			// Terminator chunk. Trailers follow, one per line, up to a blank
			// line; tolerated and discarded per spec.md §4.1.
			rest := buf[chunkStart:]
			blank := bytes.Index(rest, []byte("\r\n\r\n"))
			if blank < 0 {
				if bytes.Equal(rest, []byte("\r\n")) {
					// No trailers at all, already terminated.
					return out.Bytes(), chunkStart + 2, true, nil
				}
				return out.Bytes(), pos, false, nil
			}
			return out.Bytes(), chunkStart + blank + 4, true, nil
		}

		need := chunkStart + int(size) + 2 // data + trailing CRLF
		if need > len(buf) {
			return out.Bytes(), pos, false, nil
		}
		out.Write(buf[chunkStart : chunkStart+int(size)])
		if buf[chunkStart+int(size)] != '\r' || buf[chunkStart+int(size)+1] != '\n' {
			return nil, 0, false, NewChunkedError("chunk data missing trailing CRLF")
		}
		pos = need
	}
}

// DecodeChunkedComplete decodes a fully-buffered chunked byte sequence and
// requires it to be complete; used when the whole body has already been
// read into memory (the non-incremental, common case).
func DecodeChunkedComplete(buf []byte) ([]byte, error) {
	decoded, consumed, complete, err := DecodeChunkedIncremental(buf)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, NewChunkedError("truncated chunked body")
	}
	_ = consumed
	return decoded, nil
}

// LooksChunked applies spec.md §4.1's ambiguous-case heuristic: the first
// line of the body is a valid hex number followed by CRLF. Callers should
// prefer the Transfer-Encoding header when present and only fall back to
// this when the header is absent.
func LooksChunked(body []byte) bool {
	nl := bytes.Index(body, []byte("\r\n"))
	if nl <= 0 {
		return false
	}
	line := body[:nl]
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	for _, b := range line {
		switch {
		case b >= '0' && b <= '9', b >= 'a' && b <= 'f', b >= 'A' && b <= 'F':
		default:
			return false
		}
	}
	return true
}

// EncodeChunked serializes data as a single chunk followed by the
// terminator chunk, the wire form every response body section uses.
func EncodeChunked(data []byte) []byte {
	var out bytes.Buffer
	if len(data) > 0 {
		out.WriteString(strconv.FormatInt(int64(len(data)), 16))
		out.WriteString("\r\n")
		out.Write(data)
		out.WriteString("\r\n")
	}
	out.WriteString("0\r\n\r\n")
	return out.Bytes()
}
