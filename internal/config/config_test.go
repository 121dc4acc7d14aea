package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.RTMPListenAddr != ":1935" {
		t.Fatalf("unexpected default rtmp listen addr: %s", cfg.RTMPListenAddr)
	}
	if cfg.GRPCListenAddr != ":7788" {
		t.Fatalf("unexpected default grpc listen addr: %s", cfg.GRPCListenAddr)
	}
	if cfg.PortBase != 30000 || cfg.PortSpan != 1000 {
		t.Fatalf("unexpected default port range: %d/%d", cfg.PortBase, cfg.PortSpan)
	}
	if cfg.ReconnectCeiling.Seconds() != 8 {
		t.Fatalf("unexpected default reconnect ceiling: %s", cfg.ReconnectCeiling)
	}
}

func TestParseRejectsInvalidLogLevel(t *testing.T) {
	if _, err := Parse([]string{"-log-level", "verbose"}); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func TestParseRejectsPortSpanOverflow(t *testing.T) {
	if _, err := Parse([]string{"-port-base", "65000", "-port-span", "1000"}); err == nil {
		t.Fatalf("expected error when port range exceeds 65535")
	}
}

func TestParseCollectsRepeatedInterfaceFlags(t *testing.T) {
	cfg, err := Parse([]string{"-interface", "eth0", "-interface", "eth1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.InterfaceWhitelist) != 2 || cfg.InterfaceWhitelist[0] != "eth0" || cfg.InterfaceWhitelist[1] != "eth1" {
		t.Fatalf("unexpected interface whitelist: %v", cfg.InterfaceWhitelist)
	}
}

func TestParseRejectsInvalidReconnectCeiling(t *testing.T) {
	if _, err := Parse([]string{"-reconnect-ceiling", "not-a-duration"}); err == nil {
		t.Fatalf("expected error for invalid reconnect-ceiling")
	}
}

func TestParseRejectsOutOfRangeKeepalive(t *testing.T) {
	if _, err := Parse([]string{"-keepalive-ms", "0"}); err == nil {
		t.Fatalf("expected error for non-positive keepalive-ms")
	}
}

func TestParseValidatesExtraAddresses(t *testing.T) {
	if _, err := Parse([]string{"-extra-address", ":"}); err == nil {
		t.Fatalf("expected error for malformed extra-address")
	}
	cfg, err := Parse([]string{"-extra-address", "10.0.0.5:9000"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.ExtraAddresses) != 1 {
		t.Fatalf("expected extra address recorded")
	}
}
