package main

import (
	"io"
	"log"
	"testing"

	"github.com/ppomes/g3icap-go/internal/config"
	"github.com/ppomes/g3icap-go/internal/icap"
	"github.com/ppomes/g3icap-go/internal/icap/response"
	"github.com/ppomes/g3icap-go/internal/module"
	"github.com/ppomes/g3icap-go/internal/pipeline"
)

func TestModuleConfigOrFallsBackToBareName(t *testing.T) {
	cfgs := map[string]module.Config{"echo": {Name: "echo", Version: "2.0.0"}}

	got := moduleConfigOr(cfgs, "echo")
	if got.Version != "2.0.0" {
		t.Fatalf("Version = %q, want the configured value", got.Version)
	}

	fallback := moduleConfigOr(cfgs, "logging")
	if fallback.Name != "logging" || fallback.Version != "" {
		t.Fatalf("fallback = %+v, want a bare Config{Name: \"logging\"}", fallback)
	}
}

func TestAntivirusConfigLayersQuarantineSettings(t *testing.T) {
	file := &config.File{}
	file.Quarantine.Dir = "/var/quarantine"
	file.Quarantine.Key = "base64-key"

	cfg := antivirusConfig(map[string]module.Config{}, file)
	if cfg.Payload["enable_quarantine"] != true {
		t.Fatalf("payload = %+v, want enable_quarantine=true", cfg.Payload)
	}
	if cfg.Payload["quarantine_dir"] != "/var/quarantine" {
		t.Fatalf("quarantine_dir = %v", cfg.Payload["quarantine_dir"])
	}
	if cfg.Payload["quarantine_key"] != "base64-key" {
		t.Fatalf("quarantine_key = %v", cfg.Payload["quarantine_key"])
	}
}

func TestAntivirusConfigPreservesExistingPayloadEntries(t *testing.T) {
	file := &config.File{}
	file.Quarantine.Dir = "/var/quarantine"

	cfgs := map[string]module.Config{
		"antivirus": {Name: "antivirus", Payload: map[string]any{"engine": "clamav"}},
	}
	cfg := antivirusConfig(cfgs, file)
	if cfg.Payload["engine"] != "clamav" {
		t.Fatalf("expected the preexisting engine setting to survive, got %+v", cfg.Payload)
	}
	if cfg.Payload["quarantine_dir"] != "/var/quarantine" {
		t.Fatalf("expected quarantine_dir to be layered in, got %+v", cfg.Payload)
	}
}

func TestAntivirusConfigIsNoOpWithoutQuarantineSettings(t *testing.T) {
	file := &config.File{}
	cfgs := map[string]module.Config{"antivirus": {Name: "antivirus", Version: "1.0.0"}}

	cfg := antivirusConfig(cfgs, file)
	if cfg.Version != "1.0.0" || cfg.Payload != nil {
		t.Fatalf("cfg = %+v, want the original config untouched", cfg)
	}
}

func TestRegisterBuiltinsRegistersAllFourModules(t *testing.T) {
	reg := module.NewRegistry()
	gen := response.New("test/1.0", "", "")
	logger := log.New(io.Discard, "", 0)

	if err := registerBuiltins(reg, gen, &config.File{}, logger); err != nil {
		t.Fatalf("registerBuiltins: %v", err)
	}

	for _, name := range []string{"content-filter", "antivirus", "echo", "logging"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("expected %q to be registered", name)
		}
	}
}

func TestBuildPipelineOrdersContentFilterThenAntivirusThenLogging(t *testing.T) {
	reg := module.NewRegistry()
	gen := response.New("test/1.0", "", "")
	logger := log.New(io.Discard, "", 0)
	if err := registerBuiltins(reg, gen, &config.File{}, logger); err != nil {
		t.Fatalf("registerBuiltins: %v", err)
	}

	pl := buildPipeline(reg, gen, &config.File{})
	if pl == nil {
		t.Fatal("expected a non-nil pipeline")
	}

	ctx := pipeline.NewContext(&icap.Request{Method: icap.REQMOD, Encapsulated: &icap.EncapsulatedPayload{NullBody: true}})
	if err := pl.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"content-filter", "antivirus", "logging"}
	if len(ctx.Results) != len(want) {
		t.Fatalf("stage results = %+v, want stages %v", ctx.Results, want)
	}
	for i, name := range want {
		if ctx.Results[i].StageName != name {
			t.Fatalf("stage %d = %q, want %q", i, ctx.Results[i].StageName, name)
		}
	}
}

func TestReloadModulesOnlyTouchesNamedModules(t *testing.T) {
	reg := module.NewRegistry()
	gen := response.New("test/1.0", "", "")
	logger := log.New(io.Discard, "", 0)
	if err := registerBuiltins(reg, gen, &config.File{}, logger); err != nil {
		t.Fatalf("registerBuiltins: %v", err)
	}

	file := &config.File{
		Modules: []config.ModuleEntry{
			{Name: "echo", Type: "echo"},
		},
	}
	reloadModules(reg, file, logger)

	if _, ok := reg.Lookup("echo"); !ok {
		t.Fatal("expected echo to remain registered after reload")
	}
	if _, ok := reg.Lookup("logging"); !ok {
		t.Fatal("expected logging (not named in the reload file) to remain registered")
	}
}
