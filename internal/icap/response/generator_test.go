package response

import "testing"

func TestShouldUseChunked(t *testing.T) {
	small := 10
	big := 2 << 20
	cases := []struct {
		name string
		size *int
		want bool
	}{
		{"unknown size", nil, true},
		{"small known size", &small, false},
		{"size over threshold", &big, true},
	}
	for _, c := range cases {
		if got := ShouldUseChunked(c.size); got != c.want {
			t.Errorf("%s: ShouldUseChunked = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestReasonPhrase204IsNoModifications(t *testing.T) {
	if got := ReasonPhrase(204); got != "No Modifications" {
		t.Fatalf("204 reason phrase = %q, want %q", got, "No Modifications")
	}
}

func TestNoModificationsNeverCarriesABody(t *testing.T) {
	g := New("test-server/1.0", "abc123", "")
	resp := g.NoModifications(nil)
	if resp.StatusCode != 204 {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Body != nil {
		t.Fatalf("204 response carried a Body: %q", resp.Body)
	}
	if resp.Encapsulated == nil || !resp.Encapsulated.NullBody {
		t.Fatalf("expected a null-body Encapsulated payload, got %+v", resp.Encapsulated)
	}
}

func TestGeneratorSetsServerAndISTagHeaders(t *testing.T) {
	g := New("icap-test/1.0", "deadbeef01234567", "svc")
	resp := g.BadRequest("malformed request")
	if got := resp.Header.Get("Server"); got != "icap-test/1.0" {
		t.Errorf("Server header = %q", got)
	}
	if got := resp.Header.Get("ISTag"); got != `"deadbeef01234567"` {
		t.Errorf("ISTag header = %q", got)
	}
	if got := resp.Header.Get("Service-ID"); got != "svc" {
		t.Errorf("Service-ID header = %q", got)
	}
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if resp.Header.Get("Connection") != "close" {
		t.Errorf("expected every error response to close the connection")
	}
}

func TestServiceUnavailableSetsRetryAfter(t *testing.T) {
	g := New("", "", "")
	resp := g.ServiceUnavailable("busy", 30)
	if got := resp.Header.Get("Retry-After"); got != "30" {
		t.Fatalf("Retry-After = %q, want %q", got, "30")
	}
	if resp.StatusCode != 503 {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRequestTimeoutBuilds408AndClosesConnection(t *testing.T) {
	g := New("", "", "")
	resp := g.RequestTimeout("timed out")
	if resp.StatusCode != 408 {
		t.Fatalf("status = %d, want 408", resp.StatusCode)
	}
	if resp.Reason != "Request Timeout" {
		t.Fatalf("Reason = %q, want %q", resp.Reason, "Request Timeout")
	}
	if resp.Header.Get("Connection") != "close" {
		t.Errorf("expected a 408 to close the connection")
	}
}

func TestMethodNotAllowedSetsAllowHeader(t *testing.T) {
	g := New("", "", "")
	resp := g.MethodNotAllowed("REQMOD, RESPMOD")
	if got := resp.Header.Get("Allow"); got != "REQMOD, RESPMOD" {
		t.Fatalf("Allow = %q", got)
	}
}

func TestOptionsCapabilitiesSetsMandatoryHeaders(t *testing.T) {
	g := New("icap-test/1.0", "", "")
	resp := g.Options(OptionsCapabilities{
		Methods:          []string{"REQMOD", "OPTIONS"},
		Service:          "content filter",
		MaxConnections:   50,
		OptionsTTLSeconds: 3600,
		TransferComplete: "*",
	})
	if resp.StatusCode != 204 {
		t.Fatalf("OPTIONS response status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Methods"); got != "REQMOD, OPTIONS" {
		t.Fatalf("Methods = %q", got)
	}
	if got := resp.Header.Get("Allow"); got != "204" {
		t.Fatalf("Allow = %q, want 204", got)
	}
	if got := resp.Header.Get("Transfer-Complete"); got != "*" {
		t.Fatalf("Transfer-Complete = %q", got)
	}
}
