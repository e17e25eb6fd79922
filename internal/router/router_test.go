package router

import (
	"testing"
	"time"

	"github.com/Deseer/websocket-postman/internal/config"
	"github.com/Deseer/websocket-postman/internal/repository"
)

type fakeStyle struct{}

func (fakeStyle) Handle(req Request, user repository.UserRecord, cfg config.Config) (Decision, bool) {
	return Decision{}, false
}

type fakeConns struct{ up map[string]bool }

func (f fakeConns) IsUp(id string) bool { return f.up[id] }

func baseConfig() config.Config {
	cfg, err := config.LoadBytes("test.yaml", []byte(`
connections:
  - id: c1
    name: C1
    url: ws://localhost
  - id: cF
    name: Final
    url: ws://localhost
command_sets:
  - id: bot1
    name: bot1
    prefix: bot1
    strip_prefix: true
    target_ws: c1
    enabled: true
    is_public: true
    commands:
      - name: /info
final:
  action: forward
  target_ws: cF
`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func newUser() repository.UserRecord {
	return repository.UserRecord{SelectedStyles: map[string]string{}}
}

func TestS1PrefixStrip(t *testing.T) {
	cfg := baseConfig()
	req := Request{Text: "bot1 /info hello", Raw: []byte(`{"post_type":"message","raw_message":"bot1 /info hello"}`)}
	d := Resolve(cfg, newUser(), req, fakeStyle{}, fakeConns{up: map[string]bool{"c1": true}})
	if d.Kind != Forward {
		t.Fatalf("expected Forward, got %v", d.Kind)
	}
	if d.ConnectionID != "c1" {
		t.Errorf("expected c1, got %s", d.ConnectionID)
	}
}

func TestS2ForcedDisabled(t *testing.T) {
	yaml := []byte(`
connections:
  - id: c1
    name: C1
    url: ws://localhost
command_sets:
  - id: bot1
    name: bot1
    prefix: bot1
    target_ws: c1
    enabled: false
    commands:
      - name: /info
final:
  action: reject
`)
	cfg, err := config.LoadBytes("test.yaml", yaml)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	req := Request{Text: "bot1 /info", Raw: []byte(`{}`)}
	d := Resolve(cfg, newUser(), req, fakeStyle{}, fakeConns{})
	if d.Kind != Reply || d.Text != MsgCommandSetDisabled {
		t.Fatalf("expected disabled reply, got %+v", d)
	}
}

func TestS3PrivilegeDeny(t *testing.T) {
	yaml := []byte(`
connections:
  - id: c1
    name: C1
    url: ws://localhost
command_sets:
  - id: pub
    name: pub
    is_public: true
    target_ws: c1
    enabled: true
    commands:
      - name: /admin
        is_privileged: true
final:
  action: reject
`)
	cfg, err := config.LoadBytes("test.yaml", yaml)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	req := Request{Text: "/admin", IsPrivileged: false, Raw: []byte(`{}`)}
	d := Resolve(cfg, newUser(), req, fakeStyle{}, fakeConns{up: map[string]bool{"c1": true}})
	if d.Kind != Reply || d.Text != MsgPrivilegeRequired {
		t.Fatalf("expected privilege-required reply, got %+v", d)
	}
}

func TestS6FinalForward(t *testing.T) {
	cfg := baseConfig()
	req := Request{Text: "not a command", Raw: []byte(`{"post_type":"message","raw_message":"not a command"}`)}
	d := Resolve(cfg, newUser(), req, fakeStyle{}, fakeConns{up: map[string]bool{"c1": true, "cF": true}})
	if d.Kind != Forward || d.ConnectionID != "cF" {
		t.Fatalf("expected final forward to cF, got %+v", d)
	}
}

func TestS5MutexStyle(t *testing.T) {
	yaml := []byte(`
connections:
  - id: wsA
    name: A
    url: ws://localhost
  - id: wsB
    name: B
    url: ws://localhost
categories:
  - id: pjsk
    display_name: PJSK
    order: 1
    enabled: true
    allow_user_switch: true
    is_mutex: true
    default_command_set: setA
command_sets:
  - id: setA
    name: SetA
    category: pjsk
    target_ws: wsA
    enabled: true
    commands: [{name: /sing}]
  - id: setB
    name: SetB
    category: pjsk
    target_ws: wsB
    enabled: true
    commands: [{name: /sing}]
final:
  action: reject
`)
	cfg, err := config.LoadBytes("test.yaml", yaml)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	conns := fakeConns{up: map[string]bool{"wsA": true, "wsB": true}}
	req := Request{Text: "/sing", Raw: []byte(`{}`)}

	d := Resolve(cfg, newUser(), req, fakeStyle{}, conns)
	if d.Kind != Forward || d.ConnectionID != "wsA" {
		t.Fatalf("expected default command set to route to wsA, got %+v", d)
	}

	withSelection := repository.UserRecord{SelectedStyles: map[string]string{"pjsk": "setB"}}
	d = Resolve(cfg, withSelection, req, fakeStyle{}, conns)
	if d.Kind != Forward || d.ConnectionID != "wsB" {
		t.Fatalf("expected selected command set to route to wsB, got %+v", d)
	}
}

func TestAccessListDenyIsSticky(t *testing.T) {
	yaml := []byte(`
connections:
  - id: c1
    name: C1
    url: ws://localhost
access_lists:
  - id: blocked
    name: Blocked
    type: user
    mode: blacklist
    items: [555]
command_sets:
  - id: pub
    name: pub
    is_public: true
    target_ws: c1
    enabled: true
    user_access_list: blocked
    commands:
      - name: /info
final:
  action: reject
`)
	cfg, err := config.LoadBytes("test.yaml", yaml)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	req := Request{Text: "/info", SenderID: 555, Raw: []byte(`{}`)}
	d := Resolve(cfg, newUser(), req, fakeStyle{}, fakeConns{up: map[string]bool{"c1": true}})
	if d.Kind != Reply || d.Text != MsgAccessDenied {
		t.Fatalf("expected access-denied reply, got %+v", d)
	}
}

func TestConnectionDownSynthesizesReply(t *testing.T) {
	cfg := baseConfig()
	req := Request{Text: "bot1 /info hello", Raw: []byte(`{"post_type":"message","raw_message":"bot1 /info hello"}`)}
	d := Resolve(cfg, newUser(), req, fakeStyle{}, fakeConns{up: map[string]bool{}})
	if d.Kind != Reply || d.Text != MsgConnectionDown {
		t.Fatalf("expected connection-down reply, got %+v", d)
	}
}

func TestTimeWindowWrapsMidnight(t *testing.T) {
	yaml := []byte(`
connections:
  - id: c1
    name: C1
    url: ws://localhost
command_sets:
  - id: pub
    name: pub
    is_public: true
    target_ws: c1
    enabled: true
    commands:
      - name: /night
        time_restriction: {start: "22:00", end: "06:00"}
final:
  action: reject
`)
	cfg, err := config.LoadBytes("test.yaml", yaml)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	if !withinWindow(mustParseClock(t, "23:30"), "22:00", "06:00") {
		t.Error("expected 23:30 to be within wrapped window")
	}
	if withinWindow(mustParseClock(t, "10:00"), "22:00", "06:00") {
		t.Error("expected 10:00 to be outside wrapped window")
	}
	_ = cfg
}

func mustParseClock(t *testing.T, hhmm string) time.Time {
	t.Helper()
	tm, err := time.Parse("15:04", hhmm)
	if err != nil {
		t.Fatalf("bad time literal: %v", err)
	}
	return tm
}
