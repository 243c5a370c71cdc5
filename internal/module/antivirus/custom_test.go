package antivirus

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scanner.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestCustomEngineCleanExitIsClean(t *testing.T) {
	e := &CustomEngine{Command: writeScript(t, "exit 0")}
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	res, err := e.ScanFile([]byte("anything"), "file.bin")
	if err != nil {
		t.Fatalf("ScanFile: %v", err)
	}
	if !res.Clean {
		t.Fatal("expected a zero exit status to be reported clean")
	}
	if !e.IsHealthy() {
		t.Fatal("expected the engine to be healthy after a successful run")
	}
}

func TestCustomEngineNonZeroExitReportsThreatFromStdout(t *testing.T) {
	e := &CustomEngine{Command: writeScript(t, "echo Eicar-Test-Signature\nexit 1")}
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	res, err := e.ScanFile([]byte("anything"), "file.bin")
	if err != nil {
		t.Fatalf("ScanFile: %v", err)
	}
	if res.Clean {
		t.Fatal("expected a non-zero exit status to be reported infected")
	}
	if res.ThreatName != "Eicar-Test-Signature" {
		t.Fatalf("ThreatName = %q, want the scanner's stdout", res.ThreatName)
	}
}

func TestCustomEngineInitRejectsEmptyCommand(t *testing.T) {
	e := &CustomEngine{Command: ""}
	if err := e.Init(); err == nil {
		t.Fatal("expected Init to reject an empty command")
	}
}

func TestCustomEngineInitRejectsMissingCommand(t *testing.T) {
	e := &CustomEngine{Command: "/definitely/not/a/real/scanner-binary"}
	if err := e.Init(); err == nil {
		t.Fatal("expected Init to fail when the command cannot be found on PATH")
	}
}

func TestCustomEngineTimesOutOnSlowScan(t *testing.T) {
	e := &CustomEngine{Command: writeScript(t, "sleep 2\nexit 0"), Timeout: 20 * time.Millisecond}
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	start := time.Now()
	e.ScanFile([]byte("anything"), "file.bin")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ScanFile took %v, expected the configured Timeout to kill the scan well before the script's sleep completes", elapsed)
	}
}
