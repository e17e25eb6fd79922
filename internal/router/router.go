// Package router implements the ordered resolution pipeline (§4.1) that
// turns one inbound OneBot message event into a RoutingDecision: Forward,
// Reply, or Drop. It performs no I/O beyond the user record already
// handed to it — wall-clock time is read only inside the time-window
// guard, so the same inputs always produce the same decision.
package router

import (
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"

	"github.com/Deseer/websocket-postman/internal/config"
	"github.com/Deseer/websocket-postman/internal/onebot"
	"github.com/Deseer/websocket-postman/internal/repository"
)

// Kind discriminates a Decision. Matches §3's closed sum
// {Forward, Reply, Drop} — callers must switch on it, there is no
// subtype hierarchy to fall back on.
type Kind int

const (
	Drop Kind = iota
	Forward
	Reply
)

func (k Kind) String() string {
	switch k {
	case Forward:
		return "forward"
	case Reply:
		return "reply"
	default:
		return "drop"
	}
}

// Decision is the ephemeral result of a resolution pass.
type Decision struct {
	Kind         Kind
	ConnectionID string // set when Kind == Forward
	Payload      []byte // set when Kind == Forward
	Text         string // set when Kind == Reply
}

func forward(connID string, payload []byte) Decision {
	return Decision{Kind: Forward, ConnectionID: connID, Payload: payload}
}

func reply(text string) Decision {
	return Decision{Kind: Reply, Text: text}
}

func drop() Decision { return Decision{Kind: Drop} }

// Reply text constants, kept verbatim from §4.1 so callers (and tests) can
// match on them.
const (
	MsgCommandSetDisabled = "指令集已禁用"
	MsgAccessDenied       = "无权使用"
	MsgPrivilegeRequired  = "该指令需要特权"
	MsgOutsideTimeWindow  = "不在可用时间"
	MsgConnectionDown     = "目标连接不可用"
)

// Request is one inbound message event, already classified by
// internal/onebot.
type Request struct {
	Text         string
	SenderID     int64
	GroupID      int64
	HasGroupID   bool
	IsPrivileged bool
	Raw          []byte // original message-event frame bytes, for Forward payloads
}

// ConnectionChecker reports whether a connection id is currently usable.
// internal/upstream.Pool implements this.
type ConnectionChecker interface {
	IsUp(connID string) bool
}

// StyleHandler answers Stage A meta commands (/help, /status, /list,
// /style). internal/style.Manager implements this.
type StyleHandler interface {
	Handle(req Request, user repository.UserRecord, cfg config.Config) (Decision, bool)
}

var metaPrefixes = []string{"/help", "/status", "/list", "/style"}

// Resolve runs the full Stage A-F pipeline.
func Resolve(cfg config.Config, user repository.UserRecord, req Request, style StyleHandler, conns ConnectionChecker) Decision {
	// Stage A
	for _, p := range metaPrefixes {
		if isCommandOrCommandPlusSpace(req.Text, p) {
			if d, ok := style.Handle(req, user, cfg); ok {
				return d
			}
		}
	}

	// Stage B
	if cs, rest, ok := matchForcedDispatch(cfg, req.Text); ok {
		if !cs.Enabled {
			return reply(MsgCommandSetDisabled)
		}
		req.Text = rest
		return resolveWithinCandidates(cfg, user, req, []candidate{{set: cs, text: rest}}, conns)
	}

	// Stage C
	candidates := assembleCandidates(cfg, user)

	// Stage D
	effective := applyPrefixMatching(candidates, req.Text)

	// Stage E
	if d, matched := resolveStageE(cfg, req, effective, conns); matched {
		return d
	}

	// Stage F
	return resolveFinal(cfg, req)
}

func isCommandOrCommandPlusSpace(text, prefix string) bool {
	if text == prefix {
		return true
	}
	return strings.HasPrefix(text, prefix+" ")
}

// matchForcedDispatch implements Stage B: "<token> <rest>" where token
// equals a command set's name or prefix, case-sensitive.
func matchForcedDispatch(cfg config.Config, text string) (config.CommandSet, string, bool) {
	idx := strings.IndexByte(text, ' ')
	if idx < 0 {
		return config.CommandSet{}, "", false
	}
	token, rest := text[:idx], text[idx+1:]
	for _, cs := range cfg.CommandSetsInOrder() {
		if cs.Name == token || (cs.Prefix != "" && cs.Prefix == token) {
			return cs, rest, true
		}
	}
	return config.CommandSet{}, "", false
}

type candidate struct {
	set  config.CommandSet
	text string
}

// assembleCandidates implements Stage C: union of public enabled sets and,
// per enabled category, the user's selection / category default / (if not
// mutex) every enabled set in the category. Ordered by descending
// priority, then config order.
func assembleCandidates(cfg config.Config, user repository.UserRecord) []config.CommandSet {
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []config.CommandSet

	add := func(cs config.CommandSet) {
		if seen.Contains(cs.ID) {
			return
		}
		seen.Add(cs.ID)
		out = append(out, cs)
	}

	for _, cs := range cfg.CommandSetsInOrder() {
		if cs.IsPublic && cs.Enabled {
			add(cs)
		}
	}

	for _, cat := range cfg.CategoriesInOrder() {
		if !cat.Enabled {
			continue
		}
		if selectedID, ok := user.SelectedStyles[cat.ID]; ok {
			if cs, ok := cfg.CommandSets[selectedID]; ok && cs.Category == cat.ID {
				add(cs)
				continue
			}
		}
		if cat.DefaultCommandSet != "" {
			if cs, ok := cfg.CommandSets[cat.DefaultCommandSet]; ok {
				add(cs)
				continue
			}
		}
		if !cat.IsMutex {
			for _, cs := range cfg.CommandSetsInOrder() {
				if cs.Category == cat.ID && cs.Enabled {
					add(cs)
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Order() < out[j].Order()
	})
	return out
}

// applyPrefixMatching implements Stage D.
func applyPrefixMatching(candidates []config.CommandSet, text string) []candidate {
	return lo.Map(lo.Filter(candidates, func(cs config.CommandSet, _ int) bool {
		if cs.Prefix == "" {
			return true
		}
		return hasPrefixWithSeparator(text, cs.Prefix)
	}), func(cs config.CommandSet, _ int) candidate {
		if cs.Prefix != "" && cs.StripPrefix {
			return candidate{set: cs, text: stripPrefix(text, cs.Prefix)}
		}
		return candidate{set: cs, text: text}
	})
}

func hasPrefixWithSeparator(text, prefix string) bool {
	if text == prefix {
		return true
	}
	return strings.HasPrefix(text, prefix+" ")
}

func stripPrefix(text, prefix string) string {
	rest := strings.TrimPrefix(text, prefix)
	return strings.TrimPrefix(rest, " ")
}

// resolveStageE implements Stage E: first matching (command_set, command)
// pair across the ordered candidates, guards applied in order.
func resolveStageE(cfg config.Config, req Request, candidates []candidate, conns ConnectionChecker) (Decision, bool) {
	for _, c := range candidates {
		if !c.set.Enabled {
			continue
		}
		cmd, ok := findMatchingCommand(c.set, c.text)
		if !ok {
			continue
		}

		if d, terminate := checkGuards(cfg, c.set, cmd, req); terminate {
			return d, true
		}

		payload, err := onebot.ReplaceText(req.Raw, c.text)
		if err != nil {
			payload = req.Raw
		}
		if c.set.TargetWS == "" || !conns.IsUp(c.set.TargetWS) {
			return reply(MsgConnectionDown), true
		}
		return forward(c.set.TargetWS, payload), true
	}
	return Decision{}, false
}

// resolveWithinCandidates is Stage B's jump straight into Stage E with a
// single forced candidate.
func resolveWithinCandidates(cfg config.Config, _ repository.UserRecord, req Request, candidates []candidate, conns ConnectionChecker) Decision {
	if d, ok := resolveStageE(cfg, req, candidates, conns); ok {
		return d
	}
	return resolveFinal(cfg, req)
}

// findMatchingCommand scans cs.Commands longest-name-first (counting
// aliases) so "/list" doesn't shadow "/listen".
func findMatchingCommand(cs config.CommandSet, text string) (config.Command, bool) {
	type ranked struct {
		cmd config.Command
		len int
	}
	var ranks []ranked
	for _, cmd := range cs.Commands {
		maxLen := len(cmd.Name)
		for _, a := range cmd.Aliases {
			if len(a) > maxLen {
				maxLen = len(a)
			}
		}
		ranks = append(ranks, ranked{cmd: cmd, len: maxLen})
	}
	sort.SliceStable(ranks, func(i, j int) bool { return ranks[i].len > ranks[j].len })

	for _, r := range ranks {
		names := append([]string{r.cmd.Name}, r.cmd.Aliases...)
		for _, n := range names {
			if text == n || strings.HasPrefix(text, n+" ") {
				return r.cmd, true
			}
		}
	}
	return config.Command{}, false
}

// checkGuards applies enablement (already done by the caller), access
// control, privilege, and time-window in order. terminate=true means the
// Decision should be returned immediately rather than falling through.
func checkGuards(cfg config.Config, cs config.CommandSet, cmd config.Command, req Request) (Decision, bool) {
	if cs.UserAccessList != "" {
		if al, ok := cfg.AccessLists[cs.UserAccessList]; ok && !accessAllows(al, req.SenderID) {
			return reply(MsgAccessDenied), true
		}
	}
	if cs.GroupAccessList != "" && req.HasGroupID {
		if al, ok := cfg.AccessLists[cs.GroupAccessList]; ok && !accessAllows(al, req.GroupID) {
			return reply(MsgAccessDenied), true
		}
	}
	if cmd.IsPrivileged && !req.IsPrivileged {
		return reply(MsgPrivilegeRequired), true
	}
	if cmd.TimeRestriction != nil && !withinWindow(time.Now(), cmd.TimeRestriction.Start, cmd.TimeRestriction.End) {
		return reply(MsgOutsideTimeWindow), true
	}
	return Decision{}, false
}

func accessAllows(al config.AccessListSet, id int64) bool {
	member := al.Has(id)
	if al.Mode == config.Whitelist {
		return member
	}
	return !member
}

// withinWindow reports whether now's local HH:MM falls in [start, end),
// wrapping past midnight when end < start.
func withinWindow(now time.Time, start, end string) bool {
	s, errS := parseHHMM(start)
	e, errE := parseHHMM(end)
	if errS != nil || errE != nil {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	if s <= e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// resolveFinal implements Stage F.
func resolveFinal(cfg config.Config, req Request) Decision {
	switch cfg.Final.Action {
	case config.FinalReject:
		if cfg.Final.SendMessage {
			return reply(cfg.Final.Message)
		}
		return drop()
	case config.FinalAllow:
		return drop()
	case config.FinalForward:
		return forward(cfg.Final.TargetWS, req.Raw)
	default:
		return drop()
	}
}
