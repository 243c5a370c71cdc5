package antivirus

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
	"github.com/ppomes/g3icap-go/internal/module"
	"github.com/ppomes/g3icap-go/internal/quarantine"
)

const Version = "1.0.0"

// Module is the antivirus adaptation module (spec.md §4.3.4): it delegates
// the actual scan to one Engine variant and layers the module-level
// procedure (size ceiling, skip list, quarantine, response shaping) on top.
type Module struct {
	gen    *response.Generator
	cfg    Config
	engine Engine
	store  *quarantine.Store

	mu      sync.Mutex
	scans   uint64
	threats uint64
	errors  uint64
	cumMicros int64
}

// New builds an antivirus module with gen as its response generator.
// The engine and quarantine store are built lazily in Init, since they
// depend on the decoded Config.
func New(gen *response.Generator) *Module {
	return &Module{gen: gen}
}

func (m *Module) Name() string          { return "antivirus" }
func (m *Module) ModuleVersion() string { return Version }

func (m *Module) SupportedMethods() []module.Method {
	return []module.Method{icap.REQMOD, icap.RESPMOD, icap.OPTIONS}
}

// Init decodes cfg.Payload into a Config, builds the selected Engine, and
// (if enable_quarantine is set) the quarantine Store. A bad or unreachable
// engine fails Init closed, per the registry's "Init-then-register" rule.
func (m *Module) Init(cfg module.Config) error {
	fc := DefaultConfig()
	if len(cfg.Payload) > 0 {
		b, err := json.Marshal(cfg.Payload)
		if err != nil {
			return module.NewError(module.ErrInitFailed, m.Name(), err.Error())
		}
		if err := json.Unmarshal(b, &fc); err != nil {
			return module.NewError(module.ErrInitFailed, m.Name(), err.Error())
		}
	}

	engine, err := buildEngine(fc)
	if err != nil {
		return module.NewError(module.ErrInitFailed, m.Name(), err.Error())
	}
	if err := engine.Init(); err != nil {
		return module.NewError(module.ErrInitFailed, m.Name(), err.Error())
	}

	var store *quarantine.Store
	if fc.EnableQuarantine {
		var key *fernet.Key
		if fc.QuarantineKey != "" {
			keyBytes, err := base64.URLEncoding.DecodeString(fc.QuarantineKey)
			if err != nil || len(keyBytes) != 32 {
				return module.NewError(module.ErrInitFailed, m.Name(), "invalid quarantine_key")
			}
			key = new(fernet.Key)
			copy(key[:], keyBytes)
		}
		dir := fc.QuarantineDir
		if dir == "" {
			dir = "quarantine"
		}
		store = quarantine.NewStore(dir, key)
	}

	m.cfg = fc
	m.engine = engine
	m.store = store
	return nil
}

func buildEngine(cfg Config) (Engine, error) {
	switch cfg.Engine {
	case EngineClamAV:
		return &ClamAVEngine{SocketPath: cfg.ClamAVSocketPath, Timeout: cfg.ScanTimeout}, nil
	case EngineSophos:
		return &SophosEngine{Endpoint: cfg.SophosEndpoint, APIKey: cfg.SophosAPIKey, Timeout: cfg.ScanTimeout}, nil
	case EngineYARA:
		return &YARAEngine{RulesDir: cfg.YARARulesDir, Timeout: cfg.ScanTimeout, MaxRules: cfg.YARAMaxRules, EnableCompilation: cfg.YARAEnableCompilation}, nil
	case EngineCustom:
		return &CustomEngine{Command: cfg.CustomCommand, Args: cfg.CustomArgs, Timeout: cfg.ScanTimeout}, nil
	case EngineMock, "":
		return &MockEngine{SimulateThreats: cfg.MockSimulateThreats, ScanDelay: cfg.MockScanDelay}, nil
	default:
		return nil, fmt.Errorf("antivirus: unknown engine %q", cfg.Engine)
	}
}

func (m *Module) HandleREQMOD(req *icap.Request) (*icap.Response, error) {
	return m.handle(req)
}

func (m *Module) HandleRESPMOD(req *icap.Request) (*icap.Response, error) {
	return m.handle(req)
}

// handle implements spec.md §4.3.4's five-step module procedure.
func (m *Module) handle(req *icap.Request) (*icap.Response, error) {
	p := req.Encapsulated
	if p == nil {
		return m.gen.NoModifications(nil), nil
	}
	_, body, _ := p.Body()
	name := candidateFilename(p)

	// Step 1: max_file_size.
	if m.cfg.MaxFileSize > 0 && int64(len(body)) > m.cfg.MaxFileSize {
		m.recordError()
		return nil, module.NewError(module.ErrExecutionFailed, m.Name(),
			fmt.Sprintf("candidate body %d bytes exceeds max_file_size %d", len(body), m.cfg.MaxFileSize))
	}

	// Step 2: skip_file_types short-circuit.
	if matchesSkipList(name, m.cfg.SkipFileTypes) {
		return m.gen.NoModifications(p), nil
	}

	// Step 3: scan, recording duration.
	start := time.Now()
	result, err := m.engine.ScanFile(body, name)
	elapsed := time.Since(start)
	m.recordScan(elapsed)
	if err != nil {
		m.recordError()
		return nil, module.NewError(module.ErrExecutionFailed, m.Name(), err.Error())
	}

	if result.Clean {
		return m.gen.NoModifications(p), nil
	}

	// Step 4: quarantine on threat.
	m.recordThreat()
	var quarantineID string
	if m.store != nil {
		entry, err := m.store.Write(body, result.ThreatName, name, map[string]any{
			"engine":      result.Engine,
			"threat_kind": result.ThreatKind,
		})
		if err == nil {
			quarantineID = entry.ID
		}
	}

	// Step 5: build the infected response.
	return m.buildInfectedResponse(result, quarantineID), nil
}

func (m *Module) buildInfectedResponse(result ScanResult, quarantineID string) *icap.Response {
	msg := "Infected: " + result.ThreatName
	if quarantineID != "" {
		msg += " (quarantined as " + quarantineID + ")"
	}
	r := m.gen.Forbidden(msg)
	r.Header.Set("X-Infection-Found", result.ThreatName)
	if result.ThreatKind != "" {
		r.Header.Set("X-Infection-Type", result.ThreatKind)
	}
	if response.ShouldUseChunked(nil) {
		r.Header.Set("Transfer-Encoding", "chunked")
	}
	return r
}

func candidateFilename(p *icap.EncapsulatedPayload) string {
	if p.ReqHdr == nil {
		return ""
	}
	parts := strings.SplitN(p.ReqHdr.FirstLine, " ", 3)
	if len(parts) < 2 {
		return ""
	}
	uri := parts[1]
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	return filepath.Base(uri)
}

func matchesSkipList(name string, skip []string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, s := range skip {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if strings.HasPrefix(s, ".") {
			if strings.HasSuffix(lower, s) {
				return true
			}
			continue
		}
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

func (m *Module) recordScan(d time.Duration) {
	m.mu.Lock()
	m.scans++
	m.cumMicros += d.Microseconds()
	m.mu.Unlock()
}

func (m *Module) recordThreat() {
	m.mu.Lock()
	m.threats++
	m.mu.Unlock()
}

func (m *Module) recordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

func (m *Module) HandleOPTIONS(req *icap.Request) (*icap.Response, error) {
	return m.gen.Options(response.OptionsCapabilities{
		Methods:           []string{"REQMOD", "RESPMOD", "OPTIONS"},
		Service:           "Antivirus Module",
		OptionsTTLSeconds: 3600,
		TransferComplete:  "*",
		Extra: map[string]string{
			"X-Antivirus-Engine": string(m.cfg.Engine),
			"X-Antivirus-Scans":  strconv.FormatUint(m.scans, 10),
		},
	}), nil
}

func (m *Module) IsHealthy() bool { return m.engine != nil && m.engine.IsHealthy() }

func (m *Module) GetMetrics() module.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errRate float64
	if m.scans > 0 {
		errRate = float64(m.errors) / float64(m.scans)
	}
	var avg time.Duration
	if m.scans > 0 {
		avg = time.Duration(m.cumMicros/int64(m.scans)) * time.Microsecond
	}
	return module.Metrics{RequestsTotal: m.scans, AvgLatency: avg, ErrorRate: errRate}
}

func (m *Module) Cleanup() error { return nil }
