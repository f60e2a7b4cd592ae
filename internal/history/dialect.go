package history

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type dialect struct {
	name string
	// driverName is the database/sql driver registered by the imports above.
	driverName string
	schema     []string
	// returning selects INSERT ... RETURNING id instead of LastInsertId.
	returning bool
}

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id TEXT NOT NULL,
				identifier TEXT NOT NULL,
				role TEXT NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				delivery_status TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_identifier ON messages (tenant_id, identifier, created_at)`,
		},
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
				tenant_id VARCHAR(64) NOT NULL,
				identifier VARCHAR(64) NOT NULL,
				role VARCHAR(16) NOT NULL,
				body TEXT NOT NULL,
				delivery_status VARCHAR(16) NOT NULL DEFAULT '',
				created_at DATETIME(6) NOT NULL,
				INDEX idx_messages_identifier (tenant_id, identifier, created_at)
			) DEFAULT CHARSET=utf8mb4`,
		},
	},
	"postgres": {
		name:       "postgres",
		driverName: "pgx",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGSERIAL PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				identifier TEXT NOT NULL,
				role TEXT NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				delivery_status TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_identifier ON messages (tenant_id, identifier, created_at)`,
		},
		returning: true,
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported store driver %q", name)
	}
	return d, nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MySQL server error numbers for exhausted connection slots.
const (
	mysqlTooManyConnections     = 1040
	mysqlTooManyUserConnections = 1203
)

// Postgres SQLSTATE too_many_connections.
const pgTooManyConnections = "53300"

// isTransient reports whether err belongs to the connection-limit class of failures
// that clear up once other clients release their connections.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlTooManyConnections || myErr.Number == mysqlTooManyUserConnections
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgTooManyConnections
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many connections") ||
		strings.Contains(msg, "too many clients") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
