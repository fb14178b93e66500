package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestParseThresholds(t *testing.T) {
	got, err := parseThresholds("30m, 20m,10m")
	if err != nil {
		t.Fatalf("parseThresholds: %v", err)
	}
	want := []time.Duration{30 * time.Minute, 20 * time.Minute, 10 * time.Minute}
	if len(got) != len(want) {
		t.Fatalf("parseThresholds returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseThresholds returned %v, want %v", got, want)
		}
	}
	if got, err := parseThresholds(""); err != nil || got != nil {
		t.Fatalf("empty input should yield nil, got %v (%v)", got, err)
	}
	if _, err := parseThresholds("30m,bogus"); err == nil {
		t.Fatalf("expected error for malformed threshold")
	}
}

func TestRootCommandFlags(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	for _, name := range []string{"metrics-listen", "rental-duration", "bonus-extension", "warning-thresholds", "warning-interval", "bonus-interval"} {
		if root.Flags().Lookup(name) == nil {
			t.Fatalf("expected root flag %q", name)
		}
	}
	for _, name := range []string{"config", "store", "log-level", "s3-endpoint"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Fatalf("expected persistent flag %q", name)
		}
	}
}

func TestVersionCommandOutput(t *testing.T) {
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("version command: %v", err)
	}
	if !strings.HasPrefix(out.String(), "rentd ") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
