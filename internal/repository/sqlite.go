package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo

	"github.com/Deseer/websocket-postman/internal/logging"
	"github.com/Deseer/websocket-postman/internal/repository/migrations"
)

// SQLite is the default Repository: a single-connection, WAL-mode SQLite
// database, matching the teacher's internal/db.NewSQLite discipline —
// SQLite's writer serialization makes a pool pointless here, so the
// connection count is pinned to one rather than relying on accidental
// single-threaded access. locks serializes each user's read-modify-write
// sequence (§5: "guarded by a per-user lock, striped map of locks").
type SQLite struct {
	db    *sql.DB
	locks *StripedLocks
}

// NewSQLite opens path (creating its directory if needed), runs pending
// migrations, and returns a ready Repository.
func NewSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		return nil, fmt.Errorf("repository: run migrations: %w", err)
	}

	logging.Infof("[repository] sqlite database ready at %s", path)
	return &SQLite{db: db, locks: NewStripedLocks(32)}, nil
}

func (s *SQLite) GetUser(ctx context.Context, qqID int64) (UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT nickname, is_privileged, selected_styles FROM users WHERE qq_id = ?`, qqID)

	var nickname sql.NullString
	var privileged int
	var stylesJSON string
	if err := row.Scan(&nickname, &privileged, &stylesJSON); err != nil {
		if err == sql.ErrNoRows {
			return UserRecord{QQID: qqID, SelectedStyles: map[string]string{}}, nil
		}
		return UserRecord{}, fmt.Errorf("repository: get user: %w", err)
	}

	styles := map[string]string{}
	if stylesJSON != "" {
		if err := json.Unmarshal([]byte(stylesJSON), &styles); err != nil {
			return UserRecord{}, fmt.Errorf("repository: decode selected_styles: %w", err)
		}
	}

	return UserRecord{
		QQID:           qqID,
		Nickname:       nickname.String,
		IsPrivileged:   privileged != 0,
		SelectedStyles: styles,
	}, nil
}

func (s *SQLite) SetSelectedStyle(ctx context.Context, qqID int64, category, commandSet string) error {
	var err error
	s.locks.With(qqID, func() {
		var rec UserRecord
		if rec, err = s.GetUser(ctx, qqID); err != nil {
			return
		}
		rec.SelectedStyles[category] = commandSet
		err = s.upsert(ctx, rec)
	})
	return err
}

func (s *SQLite) SetPrivileged(ctx context.Context, qqID int64, privileged bool) error {
	var err error
	s.locks.With(qqID, func() {
		var rec UserRecord
		if rec, err = s.GetUser(ctx, qqID); err != nil {
			return
		}
		rec.IsPrivileged = privileged
		err = s.upsert(ctx, rec)
	})
	return err
}

func (s *SQLite) SetNickname(ctx context.Context, qqID int64, nickname string) error {
	var err error
	s.locks.With(qqID, func() {
		var rec UserRecord
		if rec, err = s.GetUser(ctx, qqID); err != nil {
			return
		}
		rec.Nickname = nickname
		err = s.upsert(ctx, rec)
	})
	return err
}

func (s *SQLite) upsert(ctx context.Context, rec UserRecord) error {
	stylesJSON, err := json.Marshal(rec.SelectedStyles)
	if err != nil {
		return fmt.Errorf("repository: encode selected_styles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (qq_id, nickname, is_privileged, selected_styles)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(qq_id) DO UPDATE SET
			nickname = excluded.nickname,
			is_privileged = excluded.is_privileged,
			selected_styles = excluded.selected_styles
	`, rec.QQID, rec.Nickname, boolToInt(rec.IsPrivileged), string(stylesJSON))
	if err != nil {
		return fmt.Errorf("repository: upsert user: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
