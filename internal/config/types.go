// Package config holds the typed, validated in-memory view of dispatcher
// configuration: categories, command sets, connections, access lists,
// admins, and the final rule. Raw YAML unmarshals into File; Load runs the
// validation pass and returns a Config with identifier indexes already
// built, ready to be published behind a Snapshot.
package config

// AccessMode is the discriminant for AccessList.Mode.
type AccessMode string

const (
	Whitelist AccessMode = "whitelist"
	Blacklist AccessMode = "blacklist"
)

// AccessListType is the discriminant for AccessList.Type.
type AccessListType string

const (
	AccessUser  AccessListType = "user"
	AccessGroup AccessListType = "group"
)

// FinalAction is the discriminant for FinalRule.Action.
type FinalAction string

const (
	FinalReject  FinalAction = "reject"
	FinalAllow   FinalAction = "allow"
	FinalForward FinalAction = "forward"
)

// TimeRestriction bounds a Command to a wall-clock window, interpreted in
// local time. End < Start wraps past midnight.
type TimeRestriction struct {
	Start string `yaml:"start"` // "HH:MM"
	End   string `yaml:"end"`   // "HH:MM"
}

// Command is a single invocable name within a CommandSet.
type Command struct {
	Name            string           `yaml:"name"`
	Aliases         []string         `yaml:"aliases,omitempty"`
	Description     string           `yaml:"description,omitempty"`
	IsPrivileged    bool             `yaml:"is_privileged,omitempty"`
	TimeRestriction *TimeRestriction `yaml:"time_restriction,omitempty"`
}

// AccessList names a whitelist or blacklist of user or group ids.
type AccessList struct {
	ID    string         `yaml:"id"`
	Name  string         `yaml:"name"`
	Type  AccessListType `yaml:"type"`
	Mode  AccessMode     `yaml:"mode"`
	Items []int64        `yaml:"items"`
}

// CommandSet is a named bundle of commands, optionally scoped to a category,
// targeting a specific upstream connection.
type CommandSet struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	Prefix         string    `yaml:"prefix,omitempty"`
	Category       string    `yaml:"category,omitempty"`
	TargetWS       string    `yaml:"target_ws,omitempty"`
	IsPublic       bool      `yaml:"is_public,omitempty"`
	StripPrefix    bool      `yaml:"strip_prefix,omitempty"`
	Priority       int       `yaml:"priority"`
	Enabled        bool      `yaml:"enabled"`
	IsDefault      bool      `yaml:"is_default,omitempty"`
	UserAccessList string    `yaml:"user_access_list,omitempty"`
	GroupAccessList string   `yaml:"group_access_list,omitempty"`
	Commands       []Command `yaml:"commands"`

	// order records the position in the config file, used as the stable
	// tie-breaker when priorities are equal (§4.1 Stage C).
	order int
}

// Order returns the command set's position in the config file, for callers
// that need the Stage-C tie-breaker outside this package (e.g. tests).
func (cs CommandSet) Order() int { return cs.order }

// Category groups command sets, optionally mutually exclusive, among which
// a user picks one as their active style.
type Category struct {
	ID                string `yaml:"id"`
	DisplayName       string `yaml:"display_name"`
	Description       string `yaml:"description,omitempty"`
	Icon              string `yaml:"icon,omitempty"`
	Order             int    `yaml:"order"`
	Enabled           bool   `yaml:"enabled"`
	AllowUserSwitch   bool   `yaml:"allow_user_switch,omitempty"`
	IsMutex           bool   `yaml:"is_mutex,omitempty"`
	DefaultCommandSet string `yaml:"default_command_set,omitempty"`
}

// Connection describes one upstream WebSocket backend.
type Connection struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	URL                string `yaml:"url"`
	Token              string `yaml:"token,omitempty"`
	AutoReconnect      bool   `yaml:"auto_reconnect"`
	ReconnectIntervalS int    `yaml:"reconnect_interval_s"`
	AllowForward       bool   `yaml:"allow_forward"`
}

// FinalRule is the fallback action applied to an unmatched message event.
type FinalRule struct {
	Action      FinalAction `yaml:"action"`
	TargetWS    string      `yaml:"target_ws,omitempty"`
	Message     string      `yaml:"message,omitempty"`
	SendMessage bool        `yaml:"send_message,omitempty"`
}

// Admin names a user id granted is_privileged by configuration rather than
// by a Repository-held UserRecord flag.
type Admin struct {
	QQID int64 `yaml:"qq_id"`
}

// File is the raw shape of the YAML configuration document.
type File struct {
	Listen struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"listen"`
	Categories  []Category   `yaml:"categories"`
	CommandSets []CommandSet `yaml:"command_sets"`
	AccessLists []AccessList `yaml:"access_lists"`
	Connections []Connection `yaml:"connections"`
	Admins      []Admin      `yaml:"admins"`
	Final       FinalRule    `yaml:"final"`
	Database    struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
}
