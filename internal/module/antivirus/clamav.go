package antivirus

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ClamAVEngine scans by speaking clamd's lightweight INSTREAM protocol over
// a local Unix socket. Grounded in the teacher's pattern of dialing a
// fixed local collaborator (the teacher dials MySQL over TCP in
// icap-server-go/main.go); here the collaborator is a Unix socket instead
// of TCP, since that's clamd's conventional transport.
type ClamAVEngine struct {
	SocketPath string
	Timeout    time.Duration

	healthy bool
}

func (e *ClamAVEngine) Init() error {
	if _, err := os.Stat(e.SocketPath); err != nil {
		return fmt.Errorf("clamav: socket %s does not exist: %w", e.SocketPath, err)
	}
	e.healthy = true
	return nil
}

func (e *ClamAVEngine) dial() (net.Conn, error) {
	return net.DialTimeout("unix", e.SocketPath, e.Timeout)
}

// ScanFile streams data to clamd using the INSTREAM command: a stream of
// 4-byte big-endian length-prefixed chunks terminated by a zero-length
// chunk, then reads clamd's single-line reply.
func (e *ClamAVEngine) ScanFile(data []byte, filename string) (ScanResult, error) {
	start := time.Now()
	conn, err := e.dial()
	if err != nil {
		e.healthy = false
		return ScanResult{}, fmt.Errorf("clamav: dial failed: %w", err)
	}
	defer conn.Close()
	if e.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(e.Timeout))
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return ScanResult{}, fmt.Errorf("clamav: write command: %w", err)
	}
	const chunkSize = 1 << 16
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		var sizeBuf [4]byte
		putUint32BE(sizeBuf[:], uint32(len(chunk)))
		if _, err := conn.Write(sizeBuf[:]); err != nil {
			return ScanResult{}, fmt.Errorf("clamav: write chunk size: %w", err)
		}
		if _, err := conn.Write(chunk); err != nil {
			return ScanResult{}, fmt.Errorf("clamav: write chunk: %w", err)
		}
	}
	var zero [4]byte
	if _, err := conn.Write(zero[:]); err != nil {
		return ScanResult{}, fmt.Errorf("clamav: write terminator: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		e.healthy = false
		return ScanResult{}, fmt.Errorf("clamav: read reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	e.healthy = true

	res := ScanResult{Engine: "clamav", ScanDuration: time.Since(start), ScannedBytes: int64(len(data))}
	if strings.HasSuffix(reply, "OK") {
		res.Clean = true
		return res, nil
	}
	if idx := strings.Index(reply, "FOUND"); idx >= 0 {
		name := strings.TrimSpace(strings.TrimSuffix(reply, "FOUND"))
		if i := strings.LastIndex(name, ":"); i >= 0 {
			name = strings.TrimSpace(name[i+1:])
		}
		res.Clean = false
		res.ThreatName = name
		res.ThreatKind = "virus"
		return res, nil
	}
	return ScanResult{}, fmt.Errorf("clamav: unrecognized reply: %s", reply)
}

func (e *ClamAVEngine) IsHealthy() bool { return e.healthy }

func (e *ClamAVEngine) UpdateDefinitions() error {
	// clamd manages its own freshclam cycle; the server has no in-process
	// definitions to push, so this is a health probe.
	if _, err := os.Stat(e.SocketPath); err != nil {
		return fmt.Errorf("clamav: socket unavailable: %w", err)
	}
	return nil
}

func (e *ClamAVEngine) GetVersion() string { return "clamav-engine/instream" }

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
