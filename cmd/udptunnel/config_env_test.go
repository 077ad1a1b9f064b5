package main

import "testing"

func TestEnvOverrideTimeout(t *testing.T) {
	t.Setenv("UDPTUNNEL_TIMEOUT", "7")
	cfg, err := parseArgs([]string{"a:1", "b:2"}, 0)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.timeout != 7 {
		t.Fatalf("timeout = %d, want 7", cfg.timeout)
	}
}

func TestFlagBeatsEnv(t *testing.T) {
	t.Setenv("UDPTUNNEL_TIMEOUT", "7")
	cfg, err := parseArgs([]string{"-T", "3", "a:1", "b:2"}, 0)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.timeout != 3 {
		t.Fatalf("timeout = %d, want explicit flag to win", cfg.timeout)
	}
}

func TestEnvOverrideLogFormat(t *testing.T) {
	t.Setenv("UDPTUNNEL_LOG_FORMAT", "json")
	cfg, err := parseArgs([]string{"a:1", "b:2"}, 0)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.logFormat != "json" {
		t.Fatalf("logFormat = %q", cfg.logFormat)
	}
}

func TestEnvOverrideMDNS(t *testing.T) {
	t.Setenv("UDPTUNNEL_MDNS", "yes")
	t.Setenv("UDPTUNNEL_MDNS_NAME", "tunnel-a")
	cfg, err := parseArgs([]string{"-s", "a:1", "b:2"}, 0)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !cfg.mdnsEnable || cfg.mdnsName != "tunnel-a" {
		t.Fatalf("mdns = %v name = %q", cfg.mdnsEnable, cfg.mdnsName)
	}
}

func TestEnvInvalidTimeoutIgnored(t *testing.T) {
	t.Setenv("UDPTUNNEL_TIMEOUT", "soon")
	cfg, err := parseArgs([]string{"a:1", "b:2"}, 0)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.timeout != 0 {
		t.Fatalf("timeout = %d, want default", cfg.timeout)
	}
}
