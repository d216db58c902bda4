package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/protocol"
)

func sampleHealth() protocol.HealthMsg {
	return protocol.HealthMsg{
		Type:            protocol.TypeHealth,
		ProtocolVersion: protocol.Version,
		RunID:           "run-1",
		At:              "2026-03-01T10:00:00Z",
		Step:            12345,
		WindowMs:        15000,
		Threads:         4,
		Regions:         1200,
		Tickets:         3,
		TPS:             protocol.Spread{Least: 12.5, Median: 19.98, Average: 18, Greatest: 20},
		Utilisation:     1.5,
		MaxUtilisation:  4,
		GlobalTPS:       20,
		Lowest: []protocol.RegionRow{
			{ID: 7, State: "ACTIVE", Sections: 40, Anchors: 2, TPS: 12.5, MSPT: 80, Utilisation: 1, Flagged: true},
		},
		DroppedTasks: 2,
	}
}

func TestFormatReport(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	if err := formatReport(&buf, sampleHealth(), now); err != nil {
		t.Fatalf("format: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Server Health Report (15s window, step 12,345)",
		"Sampled 30 seconds ago",
		"Online regions: 1,200",
		"Lowest Region TPS: 12.50",
		"Median Region TPS: 19.98",
		"Highest Region TPS: 20.00",
		"Dropped tasks: 2",
		"Lowest 1 region(s) by TPS:",
		" util at 80.00 MSPT at 12.50 TPS",
		"region 7 [ACTIVE] sections=40 anchors=2",
		"lagging",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestFormatReport_NoRegions(t *testing.T) {
	m := sampleHealth()
	m.Lowest = nil
	m.DroppedTasks = 0
	var buf bytes.Buffer
	_ = formatReport(&buf, m, time.Now())
	out := buf.String()
	if strings.Contains(out, "by TPS") || strings.Contains(out, "Dropped tasks") {
		t.Fatalf("unexpected sections:\n%s", out)
	}
}

func TestTones(t *testing.T) {
	if tpsTone(20) != toneGood || tpsTone(16) != toneWarn || tpsTone(5) != toneBad {
		t.Fatalf("tps tones")
	}
	if msptTone(10) != toneGood || msptTone(45) != toneWarn || msptTone(60) != toneBad {
		t.Fatalf("mspt tones")
	}
	if utilTone(0.2) != toneGood || utilTone(0.8) != toneWarn || utilTone(1.2) != toneBad {
		t.Fatalf("util tones")
	}
}

func TestWSURL(t *testing.T) {
	if got := wsURL("http://localhost:8080"); got != "ws://localhost:8080/v1/health/ws" {
		t.Fatalf("got %q", got)
	}
	if got := wsURL("https://example.net"); got != "wss://example.net/v1/health/ws" {
		t.Fatalf("got %q", got)
	}
}
