// Package antivirus implements the built-in antivirus/scanning module
// (spec.md §4.3.4) and its engine abstraction: ClamAV, Sophos, YARA,
// Custom, and Mock variants, each satisfying the same Engine contract so
// the module itself never branches on engine kind.
package antivirus

import "time"

// ScanResult is the outcome of scanning one file (spec.md §3.1).
type ScanResult struct {
	Clean        bool
	ThreatName   string
	ThreatKind   string
	Engine       string
	ScanDuration time.Duration
	ScannedBytes int64
	Metadata     map[string]any
}

// Engine is the polymorphic scan-engine contract spec.md §4.3.4 describes.
// Every variant (ClamAV/Sophos/YARA/Custom/Mock) implements this the same
// way, so the antivirus Module delegates uniformly regardless of which
// engine was configured.
type Engine interface {
	Init() error
	ScanFile(data []byte, filename string) (ScanResult, error)
	IsHealthy() bool
	UpdateDefinitions() error
	GetVersion() string
}
