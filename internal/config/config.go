package config

import (
	"fmt"
	"os"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/Deseer/websocket-postman/internal/errs"
)

// Config is the validated, index-built view of a File. Treat it as
// immutable once built: a reload produces a whole new Config rather than
// mutating a live one in place, so it can be published behind a Snapshot
// without locking readers out.
type Config struct {
	Host string
	Port int

	Categories  map[string]Category
	CommandSets map[string]CommandSet
	AccessLists map[string]AccessListSet
	Connections map[string]Connection
	Admins      mapset.Set[int64]
	Final       FinalRule

	SQLitePath string

	categoryOrder   []string
	commandSetOrder []string
}

// AccessListSet is AccessList with Items materialized as a set, so the
// router's access-control guard gets O(1) membership checks instead of a
// linear scan per message.
type AccessListSet struct {
	AccessList
	items mapset.Set[int64]
}

// Has reports whether id is a member of this access list. Whitelist vs
// blacklist interpretation is the caller's job (router §4.1): this only
// answers membership.
func (a AccessListSet) Has(id int64) bool { return a.items.Contains(id) }

// CategoriesInOrder returns categories in config-file order.
func (c Config) CategoriesInOrder() []Category {
	out := make([]Category, 0, len(c.categoryOrder))
	for _, id := range c.categoryOrder {
		out = append(out, c.Categories[id])
	}
	return out
}

// CommandSetsInOrder returns command sets in config-file order.
func (c Config) CommandSetsInOrder() []CommandSet {
	out := make([]CommandSet, 0, len(c.commandSetOrder))
	for _, id := range c.commandSetOrder {
		out = append(out, c.CommandSets[id])
	}
	return out
}

// IsAdmin reports whether qqID is a config-level admin, independent of any
// Repository-held UserRecord.IsPrivileged flag.
func (c Config) IsAdmin(qqID int64) bool {
	return c.Admins.Contains(qqID)
}

// Load reads path, expands environment variables, unmarshals the YAML,
// applies defaults, and validates. On failure it returns *errs.ConfigInvalid
// with every violation joined into one reason string.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &errs.ConfigInvalid{Path: path, Reason: err.Error()}
	}
	return LoadBytes(path, data)
}

// LoadBytes is Load without the filesystem read, used by tests that hold
// the configuration in memory.
func LoadBytes(path string, data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return Config{}, &errs.ConfigInvalid{Path: path, Reason: err.Error()}
	}
	applyDefaults(&f)

	cfg, errList := build(f)
	if errList != nil {
		return Config{}, &errs.ConfigInvalid{Path: path, Reason: errList.Error()}
	}
	return cfg, nil
}

func applyDefaults(f *File) {
	if f.Listen.Host == "" {
		f.Listen.Host = "0.0.0.0"
	}
	if f.Listen.Port == 0 {
		f.Listen.Port = 6700
	}
	if f.Database.SQLitePath == "" {
		f.Database.SQLitePath = "dispatcher.db"
	}
	if f.Final.Action == "" {
		f.Final.Action = FinalReject
	}
}

// build turns a File into a Config, collecting every invariant violation
// with multierr rather than stopping at the first, per §3.
func build(f File) (Config, error) {
	var errList error

	cfg := Config{
		Host:        f.Listen.Host,
		Port:        f.Listen.Port,
		Categories:  make(map[string]Category, len(f.Categories)),
		CommandSets: make(map[string]CommandSet, len(f.CommandSets)),
		AccessLists: make(map[string]AccessListSet, len(f.AccessLists)),
		Connections: make(map[string]Connection, len(f.Connections)),
		Admins:      mapset.NewThreadUnsafeSet[int64](),
		Final:       f.Final,
		SQLitePath:  f.Database.SQLitePath,
	}

	for _, a := range f.Admins {
		cfg.Admins.Add(a.QQID)
	}

	for _, al := range f.AccessLists {
		if _, dup := cfg.AccessLists[al.ID]; dup {
			errList = multierr.Append(errList, fmt.Errorf("access list %q: duplicate id", al.ID))
			continue
		}
		cfg.AccessLists[al.ID] = AccessListSet{
			AccessList: al,
			items:      mapset.NewThreadUnsafeSet[int64](al.Items...),
		}
	}

	for _, c := range f.Connections {
		if _, dup := cfg.Connections[c.ID]; dup {
			errList = multierr.Append(errList, fmt.Errorf("connection %q: duplicate id", c.ID))
			continue
		}
		cfg.Connections[c.ID] = c
	}

	for _, cat := range f.Categories {
		if _, dup := cfg.Categories[cat.ID]; dup {
			errList = multierr.Append(errList, fmt.Errorf("category %q: duplicate id", cat.ID))
			continue
		}
		cfg.Categories[cat.ID] = cat
		cfg.categoryOrder = append(cfg.categoryOrder, cat.ID)
	}

	for i, cs := range f.CommandSets {
		if _, dup := cfg.CommandSets[cs.ID]; dup {
			errList = multierr.Append(errList, fmt.Errorf("command set %q: duplicate id", cs.ID))
			continue
		}
		cs.order = i
		cfg.CommandSets[cs.ID] = cs
		cfg.commandSetOrder = append(cfg.commandSetOrder, cs.ID)
	}

	errList = multierr.Append(errList, validate(cfg))

	if errList != nil {
		return Config{}, errList
	}
	return cfg, nil
}

// validate checks the cross-reference invariants from §3: CommandSet
// target_ws/category/access-list references, Category.default_command_set,
// is_public+category mutual exclusion, and FinalRule.action=forward needing
// a real target connection.
func validate(cfg Config) error {
	var errList error

	for _, cat := range cfg.Categories {
		if cat.DefaultCommandSet == "" {
			continue
		}
		cs, ok := cfg.CommandSets[cat.DefaultCommandSet]
		if !ok {
			errList = multierr.Append(errList, fmt.Errorf(
				"category %q: default_command_set %q does not exist", cat.ID, cat.DefaultCommandSet))
			continue
		}
		if cs.Category != cat.ID {
			errList = multierr.Append(errList, fmt.Errorf(
				"category %q: default_command_set %q belongs to category %q, not %q",
				cat.ID, cs.ID, cs.Category, cat.ID))
		}
	}

	for _, cs := range cfg.CommandSets {
		if cs.TargetWS != "" {
			if _, ok := cfg.Connections[cs.TargetWS]; !ok {
				errList = multierr.Append(errList, fmt.Errorf(
					"command set %q: target_ws %q does not reference a connection", cs.ID, cs.TargetWS))
			}
		}
		if cs.Category != "" {
			if _, ok := cfg.Categories[cs.Category]; !ok {
				errList = multierr.Append(errList, fmt.Errorf(
					"command set %q: category %q does not exist", cs.ID, cs.Category))
			}
		}
		if cs.IsPublic && cs.Category != "" {
			errList = multierr.Append(errList, fmt.Errorf(
				"command set %q: is_public and category are mutually exclusive", cs.ID))
		}
		if cs.UserAccessList != "" {
			al, ok := cfg.AccessLists[cs.UserAccessList]
			if !ok || al.Type != AccessUser {
				errList = multierr.Append(errList, fmt.Errorf(
					"command set %q: user_access_list %q must reference a user-type access list", cs.ID, cs.UserAccessList))
			}
		}
		if cs.GroupAccessList != "" {
			al, ok := cfg.AccessLists[cs.GroupAccessList]
			if !ok || al.Type != AccessGroup {
				errList = multierr.Append(errList, fmt.Errorf(
					"command set %q: group_access_list %q must reference a group-type access list", cs.ID, cs.GroupAccessList))
			}
		}
	}

	if cfg.Final.Action == FinalForward {
		if cfg.Final.TargetWS == "" {
			errList = multierr.Append(errList, fmt.Errorf("final rule: action=forward requires target_ws"))
		} else if _, ok := cfg.Connections[cfg.Final.TargetWS]; !ok {
			errList = multierr.Append(errList, fmt.Errorf(
				"final rule: target_ws %q does not reference a connection", cfg.Final.TargetWS))
		}
	}

	return errList
}
