package server

import (
	"bufio"
	"bytes"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
	"github.com/ppomes/g3icap-go/internal/module"
	"github.com/ppomes/g3icap-go/internal/module/echo"
	"github.com/ppomes/g3icap-go/internal/pipeline"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	gen := response.New("test-server/1.0", "testtag", "Test Service")
	reg := module.NewRegistry()
	if err := reg.Register(echo.New(gen), module.Config{Name: "echo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h, _ := reg.Lookup("echo")
	pl := pipeline.New(pipeline.Config{Name: "test", Stages: []pipeline.Stage{pipeline.NewModuleStage(h, pipeline.StageCustom, false)}}, gen)

	cfg := DefaultConfig()
	cfg.IdleTimeout = 2 * time.Second
	cfg.ReadTimeout = 2 * time.Second
	cfg.WholeRequestTimeout = 2 * time.Second
	cfg.MaxBodyBytes = 1024

	logger := log.New(io.Discard, "", 0)
	return New(cfg, gen, reg, pl, nil, logger)
}

// serveOverPipe wires a connHandler to one end of a net.Pipe and returns the
// peer end for the test to drive, the same in-process wiring ListenAndServe
// builds around an accepted net.Conn.
func serveOverPipe(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := &connHandler{srv: srv, conn: serverSide, clientIP: "10.0.0.9"}
	go c.serve()
	return clientSide
}

func sendRequest(t *testing.T, conn net.Conn, req *icap.Request) *icap.Response {
	t.Helper()
	raw, err := icap.SerializeRequest(req)
	if err != nil {
		t.Fatalf("SerializeRequest: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("Write: %v", err)
	}
	resp, err := icap.ParseResponse(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	return resp
}

func TestServerEchoesReqmodThroughPipeline(t *testing.T) {
	srv := testServer(t)
	conn := serveOverPipe(t, srv)
	defer conn.Close()

	req := &icap.Request{
		Method: icap.REQMOD,
		URI:    "icap://test/echo",
		Header: icap.NewHeader(),
		Encapsulated: &icap.EncapsulatedPayload{
			ReqHdr:     &icap.HTTPHeaderBlock{FirstLine: "GET / HTTP/1.1", Header: icap.NewHeader()},
			HasReqBody: true,
			ReqBody:    []byte("hello"),
		},
	}

	resp := sendRequest(t, conn, req)
	if resp.StatusCode != 204 {
		t.Fatalf("status = %d, want 204 from the echo module", resp.StatusCode)
	}
}

func TestServerHandlesOptionsAggregate(t *testing.T) {
	srv := testServer(t)
	conn := serveOverPipe(t, srv)
	defer conn.Close()

	req := &icap.Request{Method: icap.OPTIONS, URI: "icap://test/unknown-service", Header: icap.NewHeader()}
	resp := sendRequest(t, conn, req)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200 for OPTIONS", resp.StatusCode)
	}
	if resp.Header.Get("Methods") == "" {
		t.Fatal("expected an aggregate OPTIONS response to advertise Methods")
	}
}

func TestServerRejectsOversizedBody(t *testing.T) {
	srv := testServer(t)
	conn := serveOverPipe(t, srv)
	defer conn.Close()

	big := make([]byte, 2048)
	req := &icap.Request{
		Method: icap.REQMOD,
		URI:    "icap://test/echo",
		Header: icap.NewHeader(),
		Encapsulated: &icap.EncapsulatedPayload{
			ReqHdr:     &icap.HTTPHeaderBlock{FirstLine: "POST /upload HTTP/1.1", Header: icap.NewHeader()},
			HasReqBody: true,
			ReqBody:    big,
		},
	}

	resp := sendRequest(t, conn, req)
	if resp.StatusCode != 413 {
		t.Fatalf("status = %d, want 413 for a body exceeding MaxBodyBytes", resp.StatusCode)
	}
}

// TestServerSends408WhenPreviewRemainderTimesOut covers spec.md §4.5.2's
// "if in PROCESSING, send a 408 if possible": the client negotiates a
// preview smaller than its body, the server asks for the remainder via 100
// Continue, and the client then goes silent. The read deadline set for the
// remainder must fire a 408, not a silent connection close.
func TestServerSends408WhenPreviewRemainderTimesOut(t *testing.T) {
	gen := response.New("test-server/1.0", "testtag", "Test Service")
	reg := module.NewRegistry()
	if err := reg.Register(echo.New(gen), module.Config{Name: "echo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h, _ := reg.Lookup("echo")
	pl := pipeline.New(pipeline.Config{Name: "test", Stages: []pipeline.Stage{pipeline.NewModuleStage(h, pipeline.StageCustom, false)}}, gen)

	cfg := DefaultConfig()
	cfg.IdleTimeout = 2 * time.Second
	cfg.ReadTimeout = 50 * time.Millisecond
	cfg.WholeRequestTimeout = 2 * time.Second
	cfg.MaxBodyBytes = 1024

	logger := log.New(io.Discard, "", 0)
	srv := New(cfg, gen, reg, pl, nil, logger)
	conn := serveOverPipe(t, srv)
	defer conn.Close()

	var raw bytes.Buffer
	raw.WriteString("REQMOD icap://test/echo ICAP/1.0\r\n")
	raw.WriteString("Host: test\r\n")
	raw.WriteString("Preview: 5\r\n")
	raw.WriteString("Encapsulated: req-hdr=0, req-body=27\r\n")
	raw.WriteString("\r\n")
	raw.WriteString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	raw.WriteString("5\r\nhello\r\n") // exactly the previewed bytes, no terminator: Complete=false

	if _, err := conn.Write(raw.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r := bufio.NewReader(conn)
	cont, err := icap.ParseResponse(r)
	if err != nil {
		t.Fatalf("ParseResponse (100 Continue): %v", err)
	}
	if cont.StatusCode != 100 {
		t.Fatalf("status = %d, want 100 Continue", cont.StatusCode)
	}

	// Go silent: the server's ReadTimeout on the remainder must expire.
	resp, err := icap.ParseResponse(r)
	if err != nil {
		t.Fatalf("ParseResponse (408): %v", err)
	}
	if resp.StatusCode != 408 {
		t.Fatalf("status = %d, want 408 after the preview remainder times out", resp.StatusCode)
	}
}

func TestServerKeepsConnectionOpenAcrossRequests(t *testing.T) {
	srv := testServer(t)
	conn := serveOverPipe(t, srv)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		req := &icap.Request{
			Method: icap.REQMOD,
			URI:    "icap://test/echo",
			Header: icap.NewHeader(),
			Encapsulated: &icap.EncapsulatedPayload{
				ReqHdr:     &icap.HTTPHeaderBlock{FirstLine: "GET / HTTP/1.1", Header: icap.NewHeader()},
				HasReqBody: true,
				ReqBody:    []byte("round trip"),
			},
		}
		resp := sendRequest(t, conn, req)
		if resp.StatusCode != 204 {
			t.Fatalf("request %d: status = %d, want 204", i, resp.StatusCode)
		}
	}
}

func TestServerMetricsCountAcceptedConnections(t *testing.T) {
	srv := testServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.acceptConnection(conn)
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acceptConnection to finish")
	}

	if snap := srv.Metrics(); snap.TotalConnections != 1 {
		t.Fatalf("TotalConnections = %d, want 1", snap.TotalConnections)
	}
}
