//go:build sqlite

package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

type sqliteJournal struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Journal, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	return &sqliteJournal{db: db, log: log}, nil
}

func (s *sqliteJournal) Close() error { return s.db.Close() }

func (s *sqliteJournal) Append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var payload any
	if e.Intent != nil {
		b, err := json.Marshal(e.Intent)
		if err != nil {
			return err
		}
		payload = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal(at, intent_id, user_id, template_id, kind, outcome, reason, attempts, err, intent)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.IntentID, e.UserID, nullStr(e.TemplateID), nullStr(e.Kind),
		string(e.Outcome), nullStr(e.Reason), e.Attempts, nullStr(e.Error), payload,
	)
	return err
}

func (s *sqliteJournal) Recent(ctx context.Context, outcome Outcome, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT at, intent_id, user_id, template_id, kind, outcome, reason, attempts, err, intent FROM journal`
	args := []any{}
	if outcome != "" {
		q += ` WHERE outcome = ?`
		args = append(args, string(outcome))
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                                   Entry
			at                                  int64
			tmpl, kind, reason, errStr, payload sql.NullString
			oc                                  string
		)
		if err := rows.Scan(&at, &e.IntentID, &e.UserID, &tmpl, &kind, &oc, &reason, &e.Attempts, &errStr, &payload); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		e.TemplateID, e.Kind, e.Reason, e.Error = tmpl.String, kind.String, reason.String, errStr.String
		e.Outcome = Outcome(oc)
		if payload.Valid {
			var in notify.Intent
			if err := json.Unmarshal([]byte(payload.String), &in); err == nil {
				e.Intent = &in
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteJournal) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
