// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package delayed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by sqlmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	s, err := NewPostgresStoreWithDB(db, "")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Unfulfilled expectations: %v", err)
		}
	})
	return s, mock
}

func TestPostgresStoreMigrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS recoverbus_timeouts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS recoverbus_timeouts_due_at_idx ON recoverbus_timeouts`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
}

func TestPostgresStoreAdd(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	due := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO recoverbus_timeouts \(id, destination, message_id, headers, body, due_at\)`).
		WithArgs("t-1", "orders", "m-1", `{"k":"v"}`, []byte("body"), due).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Add(context.Background(), Timeout{
		ID:          "t-1",
		Destination: "orders",
		MessageID:   "m-1",
		Headers:     map[string]string{"k": "v"},
		Body:        []byte("body"),
		DueAt:       due,
	}))
}

func TestPostgresStoreDue(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "destination", "message_id", "headers", "body", "due_at"}).
		AddRow("t-1", "orders", "m-1", `{"Recoverbus.Retries":"1"}`, []byte("a"), now.Add(-time.Second)).
		AddRow("t-2", "orders", "m-2", `{}`, []byte("b"), now)
	mock.ExpectQuery(`SELECT id, destination, message_id, headers, body, due_at FROM recoverbus_timeouts WHERE due_at <= \$1 ORDER BY due_at, id LIMIT \$2`).
		WithArgs(now, 50).
		WillReturnRows(rows)

	due, err := s.Due(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "t-1", due[0].ID)
	assert.Equal(t, "1", due[0].Headers["Recoverbus.Retries"])
	assert.Equal(t, []byte("b"), due[1].Body)
}

func TestPostgresStoreDueQueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT .* FROM recoverbus_timeouts`).WillReturnError(errors.New("connection reset"))

	_, err := s.Due(context.Background(), time.Now(), 0)
	assert.ErrorContains(t, err, "failed to query due timeouts")
}

func TestPostgresStoreRemove(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`DELETE FROM recoverbus_timeouts WHERE id = \$1`).
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Remove(context.Background(), "t-1"))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Remove(context.Background(), "t-1"), ErrStoreClosed)
}

func TestPostgresStoreRejectsBadTableName(t *testing.T) {
	_, err := NewPostgresStoreWithDB(nil, "timeouts; DROP TABLE users")
	assert.Error(t, err)

	s, err := NewPostgresStoreWithDB(nil, "bus.timeouts")
	require.NoError(t, err)
	assert.Equal(t, "bus.timeouts", s.table)
}
