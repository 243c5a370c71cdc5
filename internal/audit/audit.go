// Package audit defines the server's audit-event sink: structured records
// of policy decisions (blocked/allowed/scanned) emitted alongside the
// per-request log line. MySQLSink is grounded on the teacher's
// icap-server-go/main.go, which opens a database/sql handle over
// github.com/go-sql-driver/mysql the same way, there for token lookups and
// here for a durable decision trail.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Severity classifies an audit event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityBlock   Severity = "block"
	SeverityError   Severity = "error"
)

// Event is one audited decision (spec.md §4.3's "modules may record audit
// events as a side effect of a decision").
type Event struct {
	Timestamp time.Time
	Severity  Severity
	Category  string // e.g. "content-filter", "antivirus", "connection"
	Subject   string // client IP, URI, or module name depending on category
	Details   string
}

// Sink accepts audit events. Record must not block the connection handling
// goroutine for long; a slow sink should buffer or drop rather than stall
// the pipeline.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// NoopSink discards every event; the default when no audit_dsn is
// configured.
type NoopSink struct{}

func (NoopSink) Record(context.Context, Event) error { return nil }
func (NoopSink) Close() error                         { return nil }

// MySQLSink persists events to a `icap_audit_log` table over database/sql.
type MySQLSink struct {
	db *sql.DB
}

// DSN builds a MySQL DSN in the same shape as the teacher's NewICAPServer.
func DSN(user, pass, host, name string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:3306)/%s?parseTime=true", user, pass, host, name)
}

// NewMySQLSink opens a connection pool against dsn and verifies it with a
// ping, matching the teacher's fail-fast connect-then-ping pattern.
func NewMySQLSink(dsn string) (*MySQLSink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping mysql: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}
	return &MySQLSink{db: db}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS icap_audit_log (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	occurred_at DATETIME NOT NULL,
	severity VARCHAR(16) NOT NULL,
	category VARCHAR(64) NOT NULL,
	subject VARCHAR(255) NOT NULL,
	details TEXT NOT NULL
)`

func (s *MySQLSink) Record(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO icap_audit_log (occurred_at, severity, category, subject, details) VALUES (?, ?, ?, ?, ?)",
		ev.Timestamp, string(ev.Severity), ev.Category, ev.Subject, ev.Details)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *MySQLSink) Close() error { return s.db.Close() }

// LoggingSink wraps another Sink and also writes every event through a
// standard *log.Logger, the same dual-path (DB plus stdout log line) the
// teacher's server uses for token operations.
type LoggingSink struct {
	Next   Sink
	Logger *log.Logger
}

func (s LoggingSink) Record(ctx context.Context, ev Event) error {
	s.Logger.Printf("audit category=%s subject=%s severity=%s details=%s", ev.Category, ev.Subject, ev.Severity, ev.Details)
	if s.Next == nil {
		return nil
	}
	return s.Next.Record(ctx, ev)
}

func (s LoggingSink) Close() error {
	if s.Next == nil {
		return nil
	}
	return s.Next.Close()
}
