package antivirus

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CustomEngine shells out to an operator-supplied scanner command, writing
// the candidate bytes to a temp file and passing its path as the final
// argument. A zero exit status means clean; a non-zero status's stdout is
// taken as the threat name, the common CLI-antivirus convention (e.g.
// clamscan's own exit codes).
type CustomEngine struct {
	Command string
	Args    []string
	Timeout time.Duration

	healthy bool
}

func (e *CustomEngine) Init() error {
	if strings.TrimSpace(e.Command) == "" {
		return fmt.Errorf("custom: command must not be empty")
	}
	if _, err := exec.LookPath(e.Command); err != nil {
		return fmt.Errorf("custom: command %s not found: %w", e.Command, err)
	}
	e.healthy = true
	return nil
}

func (e *CustomEngine) ScanFile(data []byte, filename string) (ScanResult, error) {
	start := time.Now()

	tmp, err := os.CreateTemp("", "icap-scan-*")
	if err != nil {
		return ScanResult{}, fmt.Errorf("custom: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ScanResult{}, fmt.Errorf("custom: write temp file: %w", err)
	}
	tmp.Close()

	ctx := context.Background()
	var cancel context.CancelFunc
	if e.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.Args...), tmp.Name())
	cmd := exec.CommandContext(ctx, e.Command, args...)
	// Once the process is killed, stop waiting for any child it left
	// holding stdout open.
	cmd.WaitDelay = 100 * time.Millisecond
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	runErr := cmd.Run()

	res := ScanResult{Engine: "custom:" + filepath.Base(e.Command), ScanDuration: time.Since(start), ScannedBytes: int64(len(data))}
	if runErr == nil {
		e.healthy = true
		res.Clean = true
		return res, nil
	}

	var exitErr *exec.ExitError
	if ok := asExitError(runErr, &exitErr); ok && ctx.Err() == nil {
		e.healthy = true
		res.Clean = false
		res.ThreatName = strings.TrimSpace(stdout.String())
		if res.ThreatName == "" {
			res.ThreatName = "Custom.Engine.Detection"
		}
		res.ThreatKind = "custom"
		return res, nil
	}
	e.healthy = false
	return ScanResult{}, fmt.Errorf("custom: scan command failed: %w", runErr)
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func (e *CustomEngine) IsHealthy() bool { return e.healthy }

func (e *CustomEngine) UpdateDefinitions() error { return nil }

func (e *CustomEngine) GetVersion() string { return "custom-engine/" + e.Command }
