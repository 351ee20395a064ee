package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeDoctor(t *testing.T, raw []byte) doctorDocument {
	t.Helper()

	var doc doctorDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode doctor output: %v (raw=%q)", err, raw)
	}
	return doc
}

func doctorCheckByName(t *testing.T, doc doctorDocument, name string) doctorCheck {
	t.Helper()

	for _, check := range doc.Checks {
		if check.Name == name {
			return check
		}
	}
	t.Fatalf("checks=%+v, missing %q", doc.Checks, name)
	return doctorCheck{}
}

func TestRunDoctorPassesOnSQLiteConfig(t *testing.T) {
	t.Parallel()

	configPath, _ := writeTestConfig(t, "")

	var stdout, stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath, "--format", "json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q stdout=%q)", code, stderr.String(), stdout.String())
	}

	doc := decodeDoctor(t, stdout.Bytes())
	if doc.OverallStatus != doctorStatusPass {
		t.Fatalf("overall_status=%q, want pass", doc.OverallStatus)
	}
	wantStatus := map[string]string{
		"config":  doctorStatusPass,
		"storage": doctorStatusPass,
		"pricing": doctorStatusPass,
		"queue":   doctorStatusPass,
		"probe":   doctorStatusSkip,
	}
	for name, want := range wantStatus {
		if got := doctorCheckByName(t, doc, name).Status; got != want {
			t.Fatalf("%s status=%q, want %q", name, got, want)
		}
	}
	if summary := doctorCheckByName(t, doc, "pricing").Summary; !strings.Contains(summary, "db:") {
		t.Fatalf("pricing summary=%q, want resolved db rule", summary)
	}
}

func TestRunDoctorProbeRecordsAndReadsBack(t *testing.T) {
	t.Parallel()

	configPath, _ := writeTestConfig(t, "queue:\n  enabled: true\n  driver: memory\n")

	var stdout, stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath, "--format", "json", "--probe"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q stdout=%q)", code, stderr.String(), stdout.String())
	}

	probe := doctorCheckByName(t, decodeDoctor(t, stdout.Bytes()), "probe")
	if probe.Status != doctorStatusPass {
		t.Fatalf("probe=%+v, want pass", probe)
	}
	details := strings.Join(probe.Details, "\n")
	for _, want := range []string{"status: success", "usage confidence: reported", "pricing source: db:"} {
		if !strings.Contains(details, want) {
			t.Fatalf("probe details=%q, want %q", details, want)
		}
	}
}

func TestRunDoctorProbeSkippedWhenLoggingDisabled(t *testing.T) {
	t.Parallel()

	configPath, _ := writeTestConfig(t, "logging:\n  enabled: false\n")

	var stdout, stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath, "--format", "json", "--probe"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	probe := doctorCheckByName(t, decodeDoctor(t, stdout.Bytes()), "probe")
	if probe.Status != doctorStatusSkip {
		t.Fatalf("probe status=%q, want skip", probe.Status)
	}
}

func TestRunDoctorFailsOnInvalidConfig(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "usagelog.yaml")
	if err := os.WriteFile(configPath, []byte("usage:\n  rounding: sideways\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runDoctor() code=%d, want 1", code)
	}
	output := stdout.String()
	if !strings.Contains(output, "usagelog doctor: FAIL") {
		t.Fatalf("stdout=%q, want FAIL header", output)
	}
	if !strings.Contains(output, "skipped: config validation failed") {
		t.Fatalf("stdout=%q, want skipped checks", output)
	}
}

func TestRunDoctorRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := runDoctor([]string{"--format", "yaml"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("runDoctor() code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), `invalid doctor format "yaml"`) {
		t.Fatalf("stderr=%q, want format error", stderr.String())
	}
}

func TestDoctorOverallStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		checks []doctorCheck
		want   string
	}{
		{name: "all pass", checks: []doctorCheck{{Status: doctorStatusPass}, {Status: doctorStatusSkip}}, want: doctorStatusPass},
		{name: "warn wins over pass", checks: []doctorCheck{{Status: doctorStatusPass}, {Status: doctorStatusWarn}}, want: doctorStatusWarn},
		{name: "fail wins", checks: []doctorCheck{{Status: doctorStatusWarn}, {Status: doctorStatusFail}}, want: doctorStatusFail},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := doctorOverallStatus(tt.checks); got != tt.want {
				t.Fatalf("doctorOverallStatus()=%q, want %q", got, tt.want)
			}
		})
	}
}
