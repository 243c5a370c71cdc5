package echo

import (
	"testing"

	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
)

func TestEchoReturnsNoModifications(t *testing.T) {
	gen := response.New("test/1.0", "", "")
	m := New(gen)

	req := &icap.Request{
		Method: icap.REQMOD,
		Encapsulated: &icap.EncapsulatedPayload{
			HasReqBody: true,
			ReqBody:    []byte("unchanged"),
		},
	}

	resp, err := m.HandleREQMOD(req)
	if err != nil {
		t.Fatalf("HandleREQMOD: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Encapsulated != req.Encapsulated {
		t.Fatalf("expected the echo module to pass the encapsulated payload through unchanged")
	}
}

func TestEchoTracksRequestCount(t *testing.T) {
	gen := response.New("test/1.0", "", "")
	m := New(gen)

	for i := 0; i < 3; i++ {
		if _, err := m.HandleREQMOD(&icap.Request{Method: icap.REQMOD}); err != nil {
			t.Fatalf("HandleREQMOD: %v", err)
		}
	}

	metrics := m.GetMetrics()
	if metrics.RequestsTotal != 3 {
		t.Fatalf("RequestsTotal = %d, want 3", metrics.RequestsTotal)
	}
	if metrics.LastActivity == nil {
		t.Fatal("expected LastActivity to be set after handling a request")
	}
}

func TestEchoOptionsAdvertisesMethods(t *testing.T) {
	gen := response.New("test/1.0", "", "")
	m := New(gen)

	resp, err := m.HandleOPTIONS(&icap.Request{Method: icap.OPTIONS})
	if err != nil {
		t.Fatalf("HandleOPTIONS: %v", err)
	}
	if got := resp.Header.Get("Methods"); got != "REQMOD, RESPMOD, OPTIONS" {
		t.Fatalf("Methods = %q", got)
	}
}

func TestEchoIsAlwaysHealthy(t *testing.T) {
	m := New(response.New("", "", ""))
	if !m.IsHealthy() {
		t.Fatal("echo module should always report healthy")
	}
}
