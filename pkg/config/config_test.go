package config

import (
	"strings"
	"testing"
)

func TestValidateRejectsPortBelowRange(t *testing.T) {
	c := &Config{}
	c.RPC.ListenPort = 1024
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a port at the lower boundary")
	}
}

func TestValidateRejectsPortAboveRange(t *testing.T) {
	c := &Config{}
	c.RPC.ListenPort = 70000
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a port above 65535")
	}
}

func TestValidateAcceptsPortInRange(t *testing.T) {
	c := &Config{}
	c.RPC.ListenPort = 20200
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAcceptsUpperBoundary(t *testing.T) {
	c := &Config{}
	c.RPC.ListenPort = 65535
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error for upper boundary port: %v", err)
	}
}

func TestYAMLRoundTripsFields(t *testing.T) {
	c := &Config{}
	c.RPC.ListenIP = "127.0.0.1"
	c.RPC.ListenPort = 20200
	c.Logging.Level = "debug"

	out, err := c.YAML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rendered := string(out)
	for _, want := range []string{"listen_ip: 127.0.0.1", "listen_port: 20200", "level: debug"} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("expected rendered yaml to contain %q, got:\n%s", want, rendered)
		}
	}
}
