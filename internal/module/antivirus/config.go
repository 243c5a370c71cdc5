package antivirus

import "time"

// EngineKind names which Engine variant a Config selects (spec.md §4.3.4).
type EngineKind string

const (
	EngineClamAV EngineKind = "clamav"
	EngineSophos EngineKind = "sophos"
	EngineYARA   EngineKind = "yara"
	EngineCustom EngineKind = "custom"
	EngineMock   EngineKind = "mock"
)

// Config is the antivirus module's decoded configuration payload.
type Config struct {
	Engine EngineKind `json:"engine"`

	// max_file_size rejects any candidate larger than this with
	// ExecutionFailed before the engine is ever invoked (spec.md §4.3.4
	// step 1).
	MaxFileSize int64 `json:"max_file_size"`

	// SkipFileTypes holds extensions or path prefixes that bypass scanning
	// entirely, returning Clean (step 2).
	SkipFileTypes []string `json:"skip_file_types"`

	EnableQuarantine bool   `json:"enable_quarantine"`
	QuarantineDir    string `json:"quarantine_dir"`
	QuarantineKey    string `json:"quarantine_key"` // base64 Fernet key; empty disables at-rest encryption

	ScanTimeout time.Duration `json:"scan_timeout"`

	ClamAVSocketPath string `json:"clamav_socket_path"`

	SophosEndpoint string `json:"sophos_endpoint"`
	SophosAPIKey   string `json:"sophos_api_key"`

	YARARulesDir          string `json:"yara_rules_dir"`
	YARAMaxRules           int    `json:"yara_max_rules"`
	YARAEnableCompilation bool   `json:"yara_enable_compilation"`

	CustomCommand string   `json:"custom_command"`
	CustomArgs    []string `json:"custom_args"`

	MockSimulateThreats bool          `json:"mock_simulate_threats"`
	MockScanDelay       time.Duration `json:"mock_scan_delay"`
}

// DefaultConfig returns conservative defaults: the mock engine, a 25 MiB
// ceiling, and quarantine disabled.
func DefaultConfig() Config {
	return Config{
		Engine:      EngineMock,
		MaxFileSize: 25 << 20,
		ScanTimeout: 30 * time.Second,
	}
}
