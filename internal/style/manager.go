// Package style implements the built-in meta commands (§4.2): /help,
// /status, /list, and /style list|current|select. It holds no session
// state of its own — every write goes through the Repository, and the
// only mutable state it owns is the daily message counter backing
// /status.
package style

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/Deseer/websocket-postman/internal/config"
	"github.com/Deseer/websocket-postman/internal/repository"
	"github.com/Deseer/websocket-postman/internal/router"
)

// StatsProvider supplies the live numbers /status reports. internal/upstream.Pool
// and internal/correlation.Table implement the pieces of this between them;
// cmd/dispatcherd wires a struct that satisfies both methods.
type StatsProvider interface {
	ConnectionStats() (total, connected int)
	CorrelationInFlight() int
}

// Manager implements router.StyleHandler.
type Manager struct {
	repo repository.Repository

	statsMu sync.RWMutex
	stats   StatsProvider

	messagesToday atomic.Int64
	cron          *cron.Cron
}

// New creates a Manager and starts the midnight counter-reset job.
func New(repo repository.Repository, stats StatsProvider) *Manager {
	m := &Manager{repo: repo, stats: stats, cron: cron.New()}
	// Open Question (see DESIGN.md): spec names messages.today but not its
	// reset semantics. Decided here as a local-midnight rollover.
	_, _ = m.cron.AddFunc("0 0 * * *", func() { m.messagesToday.Store(0) })
	m.cron.Start()
	return m
}

// SetStats installs the live stats source once it exists. Used when
// Manager must be constructed before its connection pool and dispatcher
// are wired up (cmd/dispatcherd's startup order).
func (m *Manager) SetStats(stats StatsProvider) {
	m.statsMu.Lock()
	m.stats = stats
	m.statsMu.Unlock()
}

// Close stops the midnight-reset job.
func (m *Manager) Close() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// CountMessage records one more message toward /status's daily counter.
// The dispatcher calls this for every inbound message event it resolves,
// regardless of the resulting Decision.
func (m *Manager) CountMessage() {
	m.messagesToday.Add(1)
}

// MessagesToday returns the current value of the daily message counter,
// backing snapshot_stats's messages.today field (§6).
func (m *Manager) MessagesToday() int64 {
	return m.messagesToday.Load()
}

// Handle answers a meta command if req.Text is one, per Stage A. The bool
// result mirrors router.StyleHandler: false means "not a meta command",
// letting Resolve fall through to Stage B.
func (m *Manager) Handle(req router.Request, user repository.UserRecord, cfg config.Config) (router.Decision, bool) {
	switch {
	case req.Text == "/help" || strings.HasPrefix(req.Text, "/help "):
		return m.reply(m.help(cfg)), true
	case req.Text == "/status" || strings.HasPrefix(req.Text, "/status "):
		return m.reply(m.status(cfg)), true
	case req.Text == "/list" || strings.HasPrefix(req.Text, "/list "):
		return m.reply(m.list(cfg, user, strings.TrimPrefix(req.Text, "/list"))), true
	case req.Text == "/style" || strings.HasPrefix(req.Text, "/style "):
		return m.reply(m.style(cfg, user, req, strings.TrimPrefix(req.Text, "/style"))), true
	default:
		return router.Decision{}, false
	}
}

func (m *Manager) reply(text string) router.Decision {
	return router.Decision{Kind: router.Reply, Text: text}
}

func (m *Manager) help(cfg config.Config) string {
	var b strings.Builder
	b.WriteString("可用元指令: /help /status /list /style\n可切换分类:\n")
	for _, cat := range cfg.CategoriesInOrder() {
		if cat.Enabled && cat.AllowUserSwitch {
			fmt.Fprintf(&b, "- %s (%s)\n", cat.DisplayName, cat.ID)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) status(cfg config.Config) string {
	total, connected := 0, 0
	inFlight := 0
	m.statsMu.RLock()
	stats := m.stats
	m.statsMu.RUnlock()
	if stats != nil {
		total, connected = stats.ConnectionStats()
		inFlight = stats.CorrelationInFlight()
	}
	return fmt.Sprintf(
		"连接: %s/%s 在线\n今日消息: %s\n待响应请求: %s",
		humanize.Comma(int64(connected)), humanize.Comma(int64(total)),
		humanize.Comma(m.messagesToday.Load()),
		humanize.Comma(int64(inFlight)),
	)
}

func (m *Manager) list(cfg config.Config, user repository.UserRecord, arg string) string {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		var b strings.Builder
		for _, cat := range cfg.CategoriesInOrder() {
			if cat.Enabled {
				fmt.Fprintf(&b, "%s: %s\n", cat.ID, cat.DisplayName)
			}
		}
		return strings.TrimRight(b.String(), "\n")
	}

	cat, ok := cfg.Categories[arg]
	if !ok {
		return fmt.Sprintf("未知分类: %s", arg)
	}
	current := user.SelectedStyles[cat.ID]
	var b strings.Builder
	for _, cs := range cfg.CommandSetsInOrder() {
		if cs.Category != cat.ID || !cs.Enabled {
			continue
		}
		marker := "  "
		if cs.ID == current {
			marker = "* "
		}
		fmt.Fprintf(&b, "%s%s: %s\n", marker, cs.ID, cs.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) style(cfg config.Config, user repository.UserRecord, req router.Request, arg string) string {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return "用法: /style list|current|select <分类> <指令集>"
	}

	switch fields[0] {
	case "list":
		var b strings.Builder
		for _, cat := range cfg.CategoriesInOrder() {
			if cat.Enabled && cat.AllowUserSwitch {
				fmt.Fprintf(&b, "%s: %s\n", cat.ID, cat.DisplayName)
			}
		}
		return strings.TrimRight(b.String(), "\n")

	case "current":
		if len(user.SelectedStyles) == 0 {
			return "尚未选择任何风格"
		}
		var b strings.Builder
		for cat, cs := range user.SelectedStyles {
			fmt.Fprintf(&b, "%s: %s\n", cat, cs)
		}
		return strings.TrimRight(b.String(), "\n")

	case "select":
		if len(fields) != 3 {
			return "用法: /style select <分类> <指令集>"
		}
		return m.selectStyle(cfg, req.SenderID, fields[1], fields[2])

	default:
		return "用法: /style list|current|select <分类> <指令集>"
	}
}

func (m *Manager) selectStyle(cfg config.Config, senderID int64, catID, csID string) string {
	cat, ok := cfg.Categories[catID]
	if !ok {
		return fmt.Sprintf("未知分类: %s", catID)
	}
	if !cat.AllowUserSwitch {
		return "该分类不允许用户切换"
	}
	cs, ok := cfg.CommandSets[csID]
	if !ok || cs.Category != catID {
		return fmt.Sprintf("指令集 %s 不属于分类 %s", csID, catID)
	}
	if !cs.Enabled {
		return MsgSetDisabledForSelect
	}
	if err := m.repo.SetSelectedStyle(context.Background(), senderID, catID, csID); err != nil {
		return "保存失败，请稍后重试"
	}
	return fmt.Sprintf("已切换 %s -> %s", catID, csID)
}

// MsgSetDisabledForSelect is the reply when /style select targets a
// disabled command set.
const MsgSetDisabledForSelect = "该指令集已禁用"
