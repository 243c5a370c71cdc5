// Package echo implements the trivial Echo built-in module (spec.md
// §4.3.5): REQMOD/RESPMOD return the encapsulated message unchanged as a
// 204, and OPTIONS reports standard capabilities. Used as a default and
// for wiring tests.
package echo

import (
	"time"

	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
	"github.com/ppomes/g3icap-go/internal/module"
)

const Version = "1.0.0"

type Module struct {
	gen          *response.Generator
	requestsTotal uint64
	lastActivity *time.Time
}

// New builds an Echo module using gen to build its 204/OPTIONS responses.
func New(gen *response.Generator) *Module {
	return &Module{gen: gen}
}

func (m *Module) Name() string          { return "echo" }
func (m *Module) ModuleVersion() string { return Version }

func (m *Module) SupportedMethods() []module.Method {
	return []module.Method{icap.REQMOD, icap.RESPMOD, icap.OPTIONS}
}

func (m *Module) Init(module.Config) error { return nil }

func (m *Module) HandleREQMOD(req *icap.Request) (*icap.Response, error) {
	return m.echo(req)
}

func (m *Module) HandleRESPMOD(req *icap.Request) (*icap.Response, error) {
	return m.echo(req)
}

func (m *Module) echo(req *icap.Request) (*icap.Response, error) {
	m.requestsTotal++
	now := time.Now()
	m.lastActivity = &now
	return m.gen.NoModifications(req.Encapsulated), nil
}

func (m *Module) HandleOPTIONS(req *icap.Request) (*icap.Response, error) {
	return m.gen.Options(response.OptionsCapabilities{
		Methods:          []string{"REQMOD", "RESPMOD", "OPTIONS"},
		Service:          "Echo Module",
		MaxConnections:   0,
		OptionsTTLSeconds: 3600,
		PreviewBytes:     0,
		TransferComplete: "*",
	}), nil
}

func (m *Module) IsHealthy() bool { return true }

func (m *Module) GetMetrics() module.Metrics {
	return module.Metrics{RequestsTotal: m.requestsTotal, LastActivity: m.lastActivity}
}

func (m *Module) Cleanup() error { return nil }
