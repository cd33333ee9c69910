package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/registrar/internal/failure"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mock := newMockPool(t)
		pingErr := errors.New("database unavailable")
		mock.ExpectPing().WillReturnError(pingErr)

		_, err := New(context.Background(), mock, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should create store and schema", func(t *testing.T) {
		mock := newMockPool(t)
		mock.ExpectPing()
		mock.ExpectExec(flexibleSQLMatcher(sqlCreateRegistrations)).
			WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

		s, err := New(context.Background(), mock, nil)
		require.NoError(t, err)
		require.NoError(t, s.EnsureSchema(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Save(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	newStore := func(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
		mock := newMockPool(t)
		mock.ExpectPing()
		s, err := New(context.Background(), mock, zap.NewNop())
		require.NoError(t, err)
		s.now = func() time.Time { return now }
		return s, mock
	}

	t.Run("inserts record with key", func(t *testing.T) {
		s, mock := newStore(t)
		mock.ExpectExec(flexibleSQLMatcher(sqlInsertRegistration)).
			WithArgs("a@mail.test", "pw", "key1", now.UTC()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.Save(context.Background(), Record{Email: "a@mail.test", Password: "pw", APIKey: "key1"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stores NULL when key is missing", func(t *testing.T) {
		s, mock := newStore(t)
		mock.ExpectExec(flexibleSQLMatcher(sqlInsertRegistration)).
			WithArgs("a@mail.test", "pw", nil, now.UTC()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.Save(context.Background(), Record{Email: "a@mail.test", Password: "pw"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exec failure is a persistence error", func(t *testing.T) {
		s, mock := newStore(t)
		mock.ExpectExec(flexibleSQLMatcher(sqlInsertRegistration)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(errors.New("connection lost"))

		err := s.Save(context.Background(), Record{Email: "a@mail.test", Password: "pw"})
		require.Error(t, err)
		assert.Equal(t, failure.Persistence, failure.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
