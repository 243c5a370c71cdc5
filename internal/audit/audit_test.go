package audit

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"
)

func TestNoopSinkDiscardsEvents(t *testing.T) {
	var s NoopSink
	if err := s.Record(context.Background(), Event{Category: "test"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDSNFormat(t *testing.T) {
	got := DSN("icap", "secret", "db.internal", "icapdb")
	want := "icap:secret@tcp(db.internal:3306)/icapdb?parseTime=true"
	if got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
}

type recordingSink struct {
	events []Event
	closed bool
}

func (s *recordingSink) Record(ctx context.Context, ev Event) error {
	s.events = append(s.events, ev)
	return nil
}
func (s *recordingSink) Close() error { s.closed = true; return nil }

func TestLoggingSinkForwardsToNextAndLogs(t *testing.T) {
	var buf bytes.Buffer
	next := &recordingSink{}
	sink := LoggingSink{Next: next, Logger: log.New(&buf, "", 0)}

	ev := Event{Timestamp: time.Now(), Severity: SeverityBlock, Category: "content-filter", Subject: "10.0.0.1", Details: "blocked domain"}
	if err := sink.Record(context.Background(), ev); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if len(next.events) != 1 || next.events[0].Subject != "10.0.0.1" {
		t.Fatalf("expected the event to be forwarded to Next, got %+v", next.events)
	}
	if !strings.Contains(buf.String(), "content-filter") || !strings.Contains(buf.String(), "blocked domain") {
		t.Fatalf("log output missing expected fields: %q", buf.String())
	}
}

func TestLoggingSinkWithoutNextStillLogs(t *testing.T) {
	var buf bytes.Buffer
	sink := LoggingSink{Logger: log.New(&buf, "", 0)}

	if err := sink.Record(context.Background(), Event{Category: "antivirus"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLoggingSinkCloseClosesNext(t *testing.T) {
	next := &recordingSink{}
	sink := LoggingSink{Next: next, Logger: log.New(&bytes.Buffer{}, "", 0)}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !next.closed {
		t.Fatal("expected Close to propagate to Next")
	}
}
