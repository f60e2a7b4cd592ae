// Package history provides append-only persistence for conversation messages.
//
// The backend is assumed to allow only a few concurrent connections, so the pool is
// capped and every statement runs through the bounded retry in retry.go.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/comigor/wa-responder/internal/config"
	"github.com/comigor/wa-responder/internal/logger"
	"github.com/comigor/wa-responder/internal/metrics"
)

// Store is the conversation log.
type Store struct {
	db      *sql.DB
	dialect dialect
	retry   RetryPolicy
	now     func() time.Time
}

// New wraps an open database handle. driver is one of sqlite, mysql or postgres.
func New(db *sql.DB, driver string, policy RetryPolicy) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: d, retry: policy, now: time.Now}, nil
}

// Open connects to the configured backend, caps the pool and creates the schema.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := prepareDSN(d.name, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 3
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	policy := RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay}
	s := &Store{db: db, dialect: d, retry: policy, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.L.Info("conversation store ready", "driver", d.name, "max_open_conns", maxConns)
	return s, nil
}

func prepareDSN(driver, dsn string) (string, error) {
	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = "history.db"
		}
		if strings.Contains(dsn, "?") {
			return dsn, nil
		}
		path := strings.TrimPrefix(dsn, "file:")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite", nil
	case "mysql":
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		mc.ParseTime = true
		mc.Loc = time.UTC
		return mc.FormatDSN(), nil
	}
	return dsn, nil
}

// Migrate creates the messages table and its index when missing.
func (s *Store) Migrate(ctx context.Context) error {
	return s.withRetry(ctx, "migrate", func(ctx context.Context) error {
		for _, stmt := range s.dialect.schema {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

const insertMessage = `INSERT INTO messages (tenant_id, identifier, role, body, delivery_status, created_at) VALUES (?, ?, ?, ?, ?, ?)`

// Append inserts one immutable record and returns it with its id and server timestamp.
func (s *Store) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.Identifier == "" {
		metrics.StoreErrors.WithLabelValues("append", KindInvalidIdentifier.String()).Inc()
		return msg, &StoreError{Kind: KindInvalidIdentifier, Op: "append"}
	}
	if !msg.Role.Valid() {
		metrics.StoreErrors.WithLabelValues("append", KindInvalidInput.String()).Inc()
		return msg, &StoreError{Kind: KindInvalidInput, Op: "append", Err: fmt.Errorf("unknown role %q", msg.Role)}
	}
	msg.CreatedAt = s.now().UTC()

	start := time.Now()
	defer func() { metrics.StoreDuration.WithLabelValues("append").Observe(time.Since(start).Seconds()) }()

	args := []any{msg.TenantID, msg.Identifier, string(msg.Role), msg.Body, msg.DeliveryStatus, msg.CreatedAt}
	err := s.withRetry(ctx, "append", func(ctx context.Context) error {
		if s.dialect.returning {
			return s.db.QueryRowContext(ctx, s.dialect.rebind(insertMessage+" RETURNING id"), args...).Scan(&msg.ID)
		}
		res, err := s.db.ExecContext(ctx, insertMessage, args...)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		msg.ID = id
		return nil
	})
	if err != nil {
		return msg, err
	}
	logger.L.Debug("message stored", "id", msg.ID, "identifier", msg.Identifier, "role", msg.Role)
	return msg, nil
}

// History returns up to limit of the newest messages for identifier, oldest first.
// A limit of zero or less returns the whole conversation.
func (s *Store) History(ctx context.Context, tenantID, identifier string, limit int) ([]Message, error) {
	if identifier == "" {
		return nil, &StoreError{Kind: KindInvalidIdentifier, Op: "history"}
	}

	start := time.Now()
	defer func() { metrics.StoreDuration.WithLabelValues("history").Observe(time.Since(start).Seconds()) }()

	query := `SELECT id, tenant_id, identifier, role, body, delivery_status, created_at
		FROM messages WHERE tenant_id = ? AND identifier = ?
		ORDER BY created_at DESC, id DESC`
	args := []any{tenantID, identifier}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []Message
	err := s.withRetry(ctx, "history", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m Message
			var role string
			var created any
			if err := rows.Scan(&m.ID, &m.TenantID, &m.Identifier, &role, &m.Body, &m.DeliveryStatus, &created); err != nil {
				return err
			}
			if m.CreatedAt, err = parseTime(created); err != nil {
				return err
			}
			m.Role = Role(role)
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Conversations lists one summary per identifier of a tenant, most recent first.
func (s *Store) Conversations(ctx context.Context, tenantID string) ([]Conversation, error) {
	query := `SELECT identifier, COUNT(*), MAX(created_at) FROM messages
		WHERE tenant_id = ? GROUP BY identifier ORDER BY MAX(id) DESC`

	var out []Conversation
	err := s.withRetry(ctx, "conversations", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c := Conversation{TenantID: tenantID}
			var last any
			if err := rows.Scan(&c.Identifier, &c.Messages, &last); err != nil {
				return err
			}
			if c.LastActivity, err = parseTime(last); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks the backend without retrying.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTime accepts what the drivers return for timestamp columns and aggregates:
// time.Time from typed columns, text or bytes from sqlite expressions.
func parseTime(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case nil:
		return time.Time{}, nil
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
