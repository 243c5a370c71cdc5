package antivirus

import (
	"strings"
	"time"
)

// MockEngine is the deterministic engine used for tests (spec.md §4.3.4,
// §8.4 scenario 4): when SimulateThreats is set, any body containing the
// ASCII substring "virus" is reported infected as "MockVirus"; otherwise
// it is always clean. ScanDelay lets tests exercise timeout handling.
type MockEngine struct {
	SimulateThreats bool
	ScanDelay       time.Duration
}

func (e *MockEngine) Init() error { return nil }

func (e *MockEngine) ScanFile(data []byte, filename string) (ScanResult, error) {
	if e.ScanDelay > 0 {
		time.Sleep(e.ScanDelay)
	}
	res := ScanResult{Engine: "mock", ScanDuration: e.ScanDelay, ScannedBytes: int64(len(data)), Clean: true}
	if e.SimulateThreats && strings.Contains(strings.ToLower(string(data)), "virus") {
		res.Clean = false
		res.ThreatName = "MockVirus"
		res.ThreatKind = "mock"
	}
	return res, nil
}

func (e *MockEngine) IsHealthy() bool { return true }

func (e *MockEngine) UpdateDefinitions() error { return nil }

func (e *MockEngine) GetVersion() string { return "mock-engine/1.0" }
