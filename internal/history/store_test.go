package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/comigor/wa-responder/internal/config"
)

var fastRetry = RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond}

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.StoreConfig{
		Driver:         "sqlite",
		DSN:            filepath.Join(t.TempDir(), "history.db"),
		MaxOpenConns:   3,
		RetryAttempts:  fastRetry.Attempts,
		RetryBaseDelay: fastRetry.BaseDelay,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stepClock returns a clock advancing one second per call.
func stepClock() func() time.Time {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestAppendThenHistory(t *testing.T) {
	s := openSQLite(t)
	s.now = stepClock()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		_, err := s.Append(ctx, Message{TenantID: "51", Identifier: "5491112345678@c.us", Role: role, Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	last, err := s.Append(ctx, Message{TenantID: "51", Identifier: "5491112345678@c.us", Role: RoleUser, Body: "hola"})
	require.NoError(t, err)
	require.NotZero(t, last.ID)
	require.False(t, last.CreatedAt.IsZero())

	got, err := s.History(ctx, "51", "5491112345678@c.us", 6)
	require.NoError(t, err)
	require.Len(t, got, 6)
	require.Equal(t, "hola", got[len(got)-1].Body)
	require.Equal(t, last.ID, got[len(got)-1].ID)
	require.Equal(t, "m3", got[0].Body)
	for i := 1; i < len(got); i++ {
		require.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt), "history must be oldest first")
		require.Greater(t, got[i].ID, got[i-1].ID)
	}
}

func TestHistory_TiesBrokenByInsertionOrder(t *testing.T) {
	s := openSQLite(t)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c"} {
		_, err := s.Append(ctx, Message{TenantID: "1", Identifier: "1@c.us", Role: RoleUser, Body: body})
		require.NoError(t, err)
	}
	got, err := s.History(ctx, "1", "1@c.us", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{got[0].Body, got[1].Body, got[2].Body})
}

func TestHistory_ScopedByTenant(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Message{TenantID: "a", Identifier: "1@c.us", Role: RoleUser, Body: "para a"})
	require.NoError(t, err)
	_, err = s.Append(ctx, Message{TenantID: "b", Identifier: "1@c.us", Role: RoleUser, Body: "para b"})
	require.NoError(t, err)

	got, err := s.History(ctx, "a", "1@c.us", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "para a", got[0].Body)
}

func TestAppend_EmptyBodyStillWritten(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Message{TenantID: "1", Identifier: "1@c.us", Role: RoleUser})
	require.NoError(t, err)
	got, err := s.History(ctx, "1", "1@c.us", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Empty(t, got[0].Body)
}

func TestAppend_DeliveryStatusPersisted(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Message{TenantID: "1", Identifier: "1@c.us", Role: RoleAssistant, Body: "hola", DeliveryStatus: DeliveryFailed})
	require.NoError(t, err)
	got, err := s.History(ctx, "1", "1@c.us", 1)
	require.NoError(t, err)
	require.Equal(t, DeliveryFailed, got[0].DeliveryStatus)
	require.Equal(t, RoleAssistant, got[0].Role)
}

func TestConversations(t *testing.T) {
	s := openSQLite(t)
	s.now = stepClock()
	ctx := context.Background()

	for _, id := range []string{"1@c.us", "2@c.us", "1@c.us"} {
		_, err := s.Append(ctx, Message{TenantID: "t", Identifier: id, Role: RoleUser, Body: "x"})
		require.NoError(t, err)
	}
	got, err := s.Conversations(ctx, "t")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "1@c.us", got[0].Identifier)
	require.EqualValues(t, 2, got[0].Messages)
	require.False(t, got[0].LastActivity.IsZero())
	require.EqualValues(t, 1, got[1].Messages)
}

func TestAppend_InvalidIdentifier(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "mysql", fastRetry)
	require.NoError(t, err)

	_, err = s.Append(context.Background(), Message{TenantID: "1", Role: RoleUser, Body: "hola"})
	require.ErrorIs(t, err, ErrInvalidIdentifier)
	require.Equal(t, KindInvalidIdentifier, KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_InvalidRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "mysql", fastRetry)
	require.NoError(t, err)

	_, err = s.Append(context.Background(), Message{TenantID: "1", Identifier: "1@c.us", Role: "bot"})
	require.Equal(t, KindInvalidInput, KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

var insertRe = regexp.QuoteMeta("INSERT INTO messages")

func tooManyConnections() error {
	return &mysql.MySQLError{Number: 1040, Message: "Too many connections"}
}

func TestAppend_ExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "mysql", fastRetry)
	require.NoError(t, err)

	for i := 0; i < fastRetry.Attempts; i++ {
		mock.ExpectExec(insertRe).WillReturnError(tooManyConnections())
	}

	_, err = s.Append(context.Background(), Message{TenantID: "1", Identifier: "1@c.us", Role: RoleUser, Body: "hola"})
	require.Error(t, err)
	require.True(t, IsUnavailable(err))
	require.ErrorIs(t, err, ErrUnavailable)
	var myErr *mysql.MySQLError
	require.ErrorAs(t, err, &myErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_SucceedsOnLastAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "mysql", fastRetry)
	require.NoError(t, err)

	for i := 0; i < fastRetry.Attempts-1; i++ {
		mock.ExpectExec(insertRe).WillReturnError(tooManyConnections())
	}
	mock.ExpectExec(insertRe).WillReturnResult(sqlmock.NewResult(7, 1))

	got, err := s.Append(context.Background(), Message{TenantID: "1", Identifier: "1@c.us", Role: RoleUser, Body: "hola"})
	require.NoError(t, err)
	require.EqualValues(t, 7, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_NonTransientFailsWithoutRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "mysql", fastRetry)
	require.NoError(t, err)

	mock.ExpectExec(insertRe).WillReturnError(&mysql.MySQLError{Number: 1406, Message: "Data too long for column 'body'"})

	_, err = s.Append(context.Background(), Message{TenantID: "1", Identifier: "1@c.us", Role: RoleUser, Body: "hola"})
	require.Equal(t, KindBackend, KindOf(err))
	require.False(t, IsUnavailable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_InvalidConnNotRetried(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "mysql", fastRetry)
	require.NoError(t, err)

	mock.ExpectExec(insertRe).WillReturnError(mysql.ErrInvalidConn)

	_, err = s.Append(context.Background(), Message{TenantID: "1", Identifier: "1@c.us", Role: RoleUser, Body: "hola"})
	require.True(t, IsUnavailable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_InvalidConnRetried(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "mysql", fastRetry)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, tenant_id").WillReturnError(mysql.ErrInvalidConn)
	mock.ExpectQuery("SELECT id, tenant_id").WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "identifier", "role", "body", "delivery_status", "created_at"}).
		AddRow(1, "1", "1@c.us", "user", "hola", "", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))

	got, err := s.History(context.Background(), "1", "1@c.us", 6)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_PostgresReturningAndRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "postgres", fastRetry)
	require.NoError(t, err)

	q := regexp.QuoteMeta("INSERT INTO messages (tenant_id, identifier, role, body, delivery_status, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id")
	mock.ExpectQuery(q).WillReturnError(&pgconn.PgError{Code: "53300", Message: "sorry, too many clients already"})
	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	got, err := s.Append(context.Background(), Message{TenantID: "1", Identifier: "1@c.us", Role: RoleAssistant, Body: "hola", DeliveryStatus: DeliverySent})
	require.NoError(t, err)
	require.EqualValues(t, 42, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_RetriedThenUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "sqlite", RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, tenant_id").WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectQuery("SELECT id, tenant_id").WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))

	_, err = s.History(context.Background(), "1", "1@c.us", 6)
	require.True(t, IsUnavailable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_ContextCancelledStopsRetrying(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, "mysql", RetryPolicy{Attempts: 5, BaseDelay: time.Hour})
	require.NoError(t, err)

	mock.ExpectExec(insertRe).WillReturnError(tooManyConnections())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Append(ctx, Message{TenantID: "1", Identifier: "1@c.us", Role: RoleUser, Body: "hola"})
	require.True(t, IsUnavailable(err))
}

func TestIsTransient(t *testing.T) {
	require.True(t, isTransient(tooManyConnections()))
	require.True(t, isTransient(&mysql.MySQLError{Number: 1203}))
	require.True(t, isTransient(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "53300"})))
	require.True(t, isTransient(errors.New("Error 1040: Too many connections")))
	require.True(t, isTransient(mysql.ErrInvalidConn))
	require.False(t, isTransient(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	require.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	require.False(t, isTransient(errors.New("syntax error")))
	require.False(t, isTransient(nil))
}

func TestRebind(t *testing.T) {
	pg := dialects["postgres"]
	require.Equal(t, "a = $1 AND b = $2 LIMIT $3", pg.rebind("a = ? AND b = ? LIMIT ?"))
	my := dialects["mysql"]
	require.Equal(t, "a = ?", my.rebind("a = ?"))
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(nil, "oracle", fastRetry)
	require.Error(t, err)
}
