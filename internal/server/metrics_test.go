package server

import (
	"testing"
	"time"
)

func TestMetricsTracksConnectionLifecycle(t *testing.T) {
	m := NewMetrics()
	m.connectionOpened()
	m.connectionOpened()
	m.connectionClosed()

	snap := m.Snapshot()
	if snap.TotalConnections != 2 {
		t.Fatalf("TotalConnections = %d, want 2", snap.TotalConnections)
	}
	if snap.ActiveConnections != 1 {
		t.Fatalf("ActiveConnections = %d, want 1", snap.ActiveConnections)
	}
}

func TestMetricsRecordsConnectionErrors(t *testing.T) {
	m := NewMetrics()
	m.connectionError()
	m.connectionError()

	if snap := m.Snapshot(); snap.ConnectionErrors != 2 {
		t.Fatalf("ConnectionErrors = %d, want 2", snap.ConnectionErrors)
	}
}

func TestMetricsRecordRequestBucketsByMethodAndStatus(t *testing.T) {
	m := NewMetrics()
	m.recordRequest("REQMOD", 204, 100, 5*time.Millisecond)
	m.recordRequest("REQMOD", 403, 50, 2*time.Millisecond)
	m.recordRequest("RESPMOD", 500, 10, 1*time.Millisecond)

	snap := m.Snapshot()
	if snap.RequestsByMethod["REQMOD"] != 2 {
		t.Fatalf("RequestsByMethod[REQMOD] = %d, want 2", snap.RequestsByMethod["REQMOD"])
	}
	if snap.RequestsByMethod["RESPMOD"] != 1 {
		t.Fatalf("RequestsByMethod[RESPMOD] = %d, want 1", snap.RequestsByMethod["RESPMOD"])
	}
	if snap.SuccessResponses != 1 {
		t.Fatalf("SuccessResponses = %d, want 1 (only the 204 falls in [200,400))", snap.SuccessResponses)
	}
	if snap.ErrorResponses != 2 {
		t.Fatalf("ErrorResponses = %d, want 2 (the 403 and the 500)", snap.ErrorResponses)
	}
	if snap.BytesProcessed != 160 {
		t.Fatalf("BytesProcessed = %d, want 160", snap.BytesProcessed)
	}
	if snap.CumulativeProcessing != 8*time.Millisecond {
		t.Fatalf("CumulativeProcessing = %v, want 8ms", snap.CumulativeProcessing)
	}
}
