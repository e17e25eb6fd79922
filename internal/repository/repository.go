// Package repository persists per-user state: selected command sets per
// category, privilege flags, and nicknames (§3 UserRecord, §6 persisted
// state layout).
package repository

import "context"

// UserRecord is the persisted view of one QQ user.
type UserRecord struct {
	QQID           int64
	Nickname       string
	IsPrivileged   bool
	SelectedStyles map[string]string // category id -> command set id
}

// Repository is the storage capability the router and style manager read
// and write through. Reads degrade open on RepositoryUnavailable (the
// caller gets a transient empty record); writes fail loudly (§7).
type Repository interface {
	// GetUser returns the record for qqID, or a zero-value record with
	// SelectedStyles initialized if none exists yet.
	GetUser(ctx context.Context, qqID int64) (UserRecord, error)

	// SetSelectedStyle atomically updates user.selected_styles[category]
	// and persists it, used by "/style select" (§4.2).
	SetSelectedStyle(ctx context.Context, qqID int64, category, commandSet string) error

	// SetPrivileged updates a user's admin-granted privilege flag.
	SetPrivileged(ctx context.Context, qqID int64, privileged bool) error

	// SetNickname updates a user's cached nickname.
	SetNickname(ctx context.Context, qqID int64, nickname string) error

	// Close releases any underlying resources.
	Close() error
}
