package config

import (
	"strings"
	"testing"
)

const validYAML = `
listen:
  host: 127.0.0.1
  port: 6700
connections:
  - id: main
    name: Main Backend
    url: ws://127.0.0.1:8080
    auto_reconnect: true
categories:
  - id: style
    display_name: Style
    enabled: true
    allow_user_switch: true
    is_mutex: true
    default_command_set: formal
command_sets:
  - id: formal
    name: Formal
    category: style
    target_ws: main
    enabled: true
    is_default: true
    commands:
      - name: hello
access_lists:
  - id: blocked-users
    name: Blocked users
    type: user
    mode: blacklist
    items: [111, 222]
admins:
  - qq_id: 999
final:
  action: reject
`

func TestLoadBytesValid(t *testing.T) {
	cfg, err := LoadBytes("test.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 6700 {
		t.Errorf("expected port 6700, got %d", cfg.Port)
	}
	if _, ok := cfg.Connections["main"]; !ok {
		t.Error("expected connection 'main' to be indexed")
	}
	if !cfg.IsAdmin(999) {
		t.Error("expected 999 to be an admin")
	}
	al, ok := cfg.AccessLists["blocked-users"]
	if !ok {
		t.Fatal("expected access list 'blocked-users'")
	}
	if !al.Has(111) {
		t.Error("expected 111 to be in blocked-users")
	}
	if al.Has(333) {
		t.Error("did not expect 333 to be in blocked-users")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := LoadBytes("test.yaml", []byte(`connections: []`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("expected default host, got %q", cfg.Host)
	}
	if cfg.Port != 6700 {
		t.Errorf("expected default port 6700, got %d", cfg.Port)
	}
	if cfg.SQLitePath != "dispatcher.db" {
		t.Errorf("expected default sqlite path, got %q", cfg.SQLitePath)
	}
	if cfg.Final.Action != FinalReject {
		t.Errorf("expected default final action reject, got %q", cfg.Final.Action)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("DISPATCHER_TEST_HOST", "10.0.0.5")
	cfg, err := LoadBytes("test.yaml", []byte("listen:\n  host: ${DISPATCHER_TEST_HOST}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "10.0.0.5" {
		t.Errorf("expected expanded host, got %q", cfg.Host)
	}
}

func TestValidateTargetWSMissing(t *testing.T) {
	yaml := `
command_sets:
  - id: a
    name: A
    target_ws: nonexistent
    enabled: true
    commands: [{name: x}]
`
	_, err := LoadBytes("test.yaml", []byte(yaml))
	if err == nil {
		t.Fatal("expected validation error for missing target_ws reference")
	}
	if !strings.Contains(err.Error(), "nonexistent") {
		t.Errorf("expected error to mention missing connection id, got: %v", err)
	}
}

func TestValidatePublicAndCategoryExclusive(t *testing.T) {
	yaml := `
categories:
  - id: style
    display_name: Style
    enabled: true
command_sets:
  - id: a
    name: A
    category: style
    is_public: true
    enabled: true
    commands: [{name: x}]
`
	_, err := LoadBytes("test.yaml", []byte(yaml))
	if err == nil {
		t.Fatal("expected validation error for is_public+category combination")
	}
}

func TestValidateAggregatesMultipleErrors(t *testing.T) {
	yaml := `
command_sets:
  - id: a
    name: A
    target_ws: missing-conn
    user_access_list: missing-list
    enabled: true
    commands: [{name: x}]
final:
  action: forward
`
	_, err := LoadBytes("test.yaml", []byte(yaml))
	if err == nil {
		t.Fatal("expected aggregated validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"missing-conn", "missing-list", "target_ws"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected aggregated error to mention %q, got: %s", want, msg)
		}
	}
}

func TestSnapshotHotSwap(t *testing.T) {
	cfg1, err := LoadBytes("test.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := NewSnapshot(cfg1)
	if snap.Current().Port != 6700 {
		t.Fatalf("expected initial port 6700, got %d", snap.Current().Port)
	}

	cfg2, err := LoadBytes("test.yaml", []byte(strings.Replace(validYAML, "port: 6700", "port: 7000", 1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap.Store(cfg2)
	if snap.Current().Port != 7000 {
		t.Errorf("expected port 7000 after Store, got %d", snap.Current().Port)
	}
}
