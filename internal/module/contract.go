// Package module defines the adaptation-module contract (spec.md §4.3 / C3):
// the interface every REQMOD/RESPMOD/OPTIONS handler implements, the
// registry that owns module instances process-wide, and the shared error
// taxonomy. Concrete built-ins (content filter, antivirus, echo, logging)
// live in sibling packages and are registered against this contract.
package module

import (
	"time"

	"github.com/ppomes/g3icap-go/internal/icap"
)

// Method is an alias of icap.Method, so a module's supported-methods set
// uses the same values as the wire codec.
type Method = icap.Method

// Config is the per-module configuration spec.md §3.1 describes: name,
// version, an arbitrary payload, dependencies, and resource ceilings used
// only at init.
type Config struct {
	Name         string
	Version      string
	Payload      map[string]any
	Dependencies []string
	LoadTimeout  time.Duration
	MemoryCeiling int64
	Sandbox      bool
}

// Metrics is the snapshot a module reports via GetMetrics.
type Metrics struct {
	RequestsTotal uint64
	RPS           float64
	AvgLatency    time.Duration
	ErrorRate     float64
	MemoryBytes   int64
	CPUPercent    float64
	LastActivity  *time.Time
}

// ErrorKind enumerates module.Error's failure categories (spec.md §4.3.1).
type ErrorKind string

const (
	ErrNotFound            ErrorKind = "not_found"
	ErrLoadFailed          ErrorKind = "load_failed"
	ErrInitFailed          ErrorKind = "init_failed"
	ErrExecutionFailed     ErrorKind = "execution_failed"
	ErrDependencyMissing   ErrorKind = "dependency_missing"
	ErrVersionIncompatible ErrorKind = "version_incompatible"
)

// Error is the module-contract error type; Kind drives how the pipeline
// and connection handler translate it into an ICAP response (spec.md §7).
type Error struct {
	Kind   ErrorKind
	Module string
	Reason string
}

func (e *Error) Error() string {
	return "module " + e.Module + ": " + string(e.Kind) + ": " + e.Reason
}

// NewError builds a module.Error.
func NewError(kind ErrorKind, moduleName, reason string) *Error {
	return &Error{Kind: kind, Module: moduleName, Reason: reason}
}

// Module is the contract every adaptation module implements (spec.md
// §4.3.1). A module need not implement every handler meaningfully — e.g.
// the logging module's handle_reqmod/handle_respmod always return 204 — but
// every method on the interface must be present so the registry can treat
// modules uniformly.
type Module interface {
	Name() string
	ModuleVersion() string
	SupportedMethods() []Method
	Init(cfg Config) error
	HandleREQMOD(req *icap.Request) (*icap.Response, error)
	HandleRESPMOD(req *icap.Request) (*icap.Response, error)
	HandleOPTIONS(req *icap.Request) (*icap.Response, error)
	IsHealthy() bool
	GetMetrics() Metrics
	Cleanup() error
}

// Supports reports whether m declares support for method.
func Supports(m Module, method Method) bool {
	for _, sm := range m.SupportedMethods() {
		if sm == method {
			return true
		}
	}
	return false
}
