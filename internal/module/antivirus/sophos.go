package antivirus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// SophosEngine scans via a Sophos Central-style REST endpoint, the same
// net/http client shape the teacher's cli/main.go uses for its API calls
// (TokenShieldClient.makeRequest), adapted here to a file-upload scan
// endpoint instead of a JSON admin API.
type SophosEngine struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration

	client  *http.Client
	healthy bool
}

func (e *SophosEngine) Init() error {
	if e.APIKey == "" {
		return fmt.Errorf("sophos: api key must not be empty")
	}
	e.client = &http.Client{Timeout: e.Timeout}
	e.healthy = true
	return nil
}

type sophosScanResponse struct {
	Clean      bool   `json:"clean"`
	ThreatName string `json:"threat_name"`
	ThreatKind string `json:"threat_kind"`
}

func (e *SophosEngine) ScanFile(data []byte, filename string) (ScanResult, error) {
	start := time.Now()
	if filename == "" {
		filename = "upload.bin"
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return ScanResult{}, fmt.Errorf("sophos: build request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return ScanResult{}, fmt.Errorf("sophos: build request: %w", err)
	}
	if err := w.Close(); err != nil {
		return ScanResult{}, fmt.Errorf("sophos: build request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.Endpoint+"/scan", &body)
	if err != nil {
		return ScanResult{}, fmt.Errorf("sophos: new request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		e.healthy = false
		return ScanResult{}, fmt.Errorf("sophos: request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ScanResult{}, fmt.Errorf("sophos: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		e.healthy = false
		return ScanResult{}, fmt.Errorf("sophos: scan endpoint returned %d", resp.StatusCode)
	}
	e.healthy = true

	var parsed sophosScanResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ScanResult{}, fmt.Errorf("sophos: decode response: %w", err)
	}
	return ScanResult{
		Clean: parsed.Clean, ThreatName: parsed.ThreatName, ThreatKind: parsed.ThreatKind,
		Engine: "sophos", ScanDuration: time.Since(start), ScannedBytes: int64(len(data)),
	}, nil
}

func (e *SophosEngine) IsHealthy() bool { return e.healthy }

func (e *SophosEngine) UpdateDefinitions() error {
	req, err := http.NewRequest(http.MethodPost, e.Endpoint+"/definitions/update", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.APIKey)
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sophos: update definitions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sophos: update definitions returned %d", resp.StatusCode)
	}
	return nil
}

func (e *SophosEngine) GetVersion() string { return "sophos-engine/rest" }
