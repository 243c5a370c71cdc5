// Package logging implements the advisory Logging built-in module
// (spec.md §4.3.5): it logs the request line for every message and always
// allows, never blocking. Grounded in the teacher's debug-log style
// (icap.Server's "DEBUG: REQMOD HTTP Request: %s" lines), but emitted
// through a structured log.Logger rather than bare log.Printf so output
// can be redirected the way a real service's ambient logging is.
package logging

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
	"github.com/ppomes/g3icap-go/internal/module"
)

const Version = "1.0.0"

type Module struct {
	gen           *response.Generator
	logger        *log.Logger
	requestsTotal uint64
}

// New builds a Logging module writing through logger (or the standard
// logger if nil).
func New(gen *response.Generator, logger *log.Logger) *Module {
	if logger == nil {
		logger = log.Default()
	}
	return &Module{gen: gen, logger: logger}
}

func (m *Module) Name() string          { return "logging" }
func (m *Module) ModuleVersion() string { return Version }

func (m *Module) SupportedMethods() []module.Method {
	return []module.Method{icap.REQMOD, icap.RESPMOD, icap.OPTIONS}
}

func (m *Module) Init(module.Config) error { return nil }

func (m *Module) HandleREQMOD(req *icap.Request) (*icap.Response, error) {
	return m.logAndAllow(req)
}

func (m *Module) HandleRESPMOD(req *icap.Request) (*icap.Response, error) {
	return m.logAndAllow(req)
}

func (m *Module) logAndAllow(req *icap.Request) (*icap.Response, error) {
	atomic.AddUint64(&m.requestsTotal, 1)
	line := string(req.Method) + " " + req.URI + " " + req.Version
	if req.Encapsulated != nil && req.Encapsulated.ReqHdr != nil {
		line += " | " + req.Encapsulated.ReqHdr.FirstLine
	}
	m.logger.Printf("icap request: %s", line)
	return m.gen.NoModifications(req.Encapsulated), nil
}

func (m *Module) HandleOPTIONS(req *icap.Request) (*icap.Response, error) {
	return m.gen.Options(response.OptionsCapabilities{
		Methods:          []string{"REQMOD", "RESPMOD", "OPTIONS"},
		Service:          "Logging Module",
		OptionsTTLSeconds: 3600,
		TransferComplete: "*",
	}), nil
}

func (m *Module) IsHealthy() bool { return true }

func (m *Module) GetMetrics() module.Metrics {
	return module.Metrics{RequestsTotal: atomic.LoadUint64(&m.requestsTotal), LastActivity: now()}
}

func now() *time.Time { t := time.Now(); return &t }

func (m *Module) Cleanup() error { return nil }
