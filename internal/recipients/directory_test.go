package recipients

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"castbot/internal/broadcast"
	logx "castbot/pkg/logx"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteDirectory(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "users.db")

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE users (user_id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users(user_id) VALUES (30), (10), (20)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	dir, err := Open(ctx, Config{Driver: "sqlite", DSN: dsn}, logx.Nop())
	require.NoError(t, err)
	defer dir.Close()

	ids, err := dir.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []broadcast.RecipientID{10, 20, 30}, ids)

	reg, ok := dir.(Registrar)
	require.True(t, ok, "sql directory must support Register")
	require.NoError(t, reg.Register(ctx, 40))
	require.NoError(t, reg.Register(ctx, 40))

	n, err := dir.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir, err := NewSQL(db, DialectPostgres, "bot.users", "tg_id", logx.Nop())
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT tg_id FROM bot.users ORDER BY tg_id`)).
		WillReturnRows(sqlmock.NewRows([]string{"tg_id"}).AddRow(int64(5)).AddRow(int64(9)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM bot.users`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bot.users (tg_id) SELECT CAST($1 AS BIGINT) WHERE NOT EXISTS (SELECT 1 FROM bot.users WHERE tg_id = $2)`)).
		WithArgs(int64(77), int64(77)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	ids, err := dir.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []broadcast.RecipientID{5, 9}, ids)

	n, err := dir.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, dir.Register(ctx, 77))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListErrorSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir, err := NewSQL(db, DialectSQLite, "", "", logx.Nop())
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM users ORDER BY user_id`)).WillReturnError(sql.ErrConnDone)

	_, err = dir.List(context.Background())
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestNewSQLRejectsBadIdentifiers(t *testing.T) {
	for _, tc := range [][2]string{
		{"users; DROP TABLE x", "user_id"},
		{"users", "id)--"},
		{"users", "a.b"},
	} {
		if _, err := NewSQL(nil, DialectSQLite, tc[0], tc[1], logx.Nop()); err == nil {
			t.Fatalf("expected error for %q/%q", tc[0], tc[1])
		}
	}
}

func TestStaticDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("# export\n3\n\n4\n1\n"), 0o600))

	dir, err := NewStatic([]int64{1, 2}, path)
	require.NoError(t, err)

	ids, err := dir.List(context.Background())
	require.NoError(t, err)
	if want := []broadcast.RecipientID{1, 2, 3, 4}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v want %v", ids, want)
	}
	n, _ := dir.Count(context.Background())
	assert.Equal(t, 4, n)
}

func TestWriteReadIDs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteIDs(&buf, []broadcast.RecipientID{7, 8, 9}))
	assert.Equal(t, "7\n8\n9\n", buf.String())

	back, err := ReadIDs(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, []broadcast.RecipientID{7, 8, 9}, back)

	_, err = ReadIDs(strings.NewReader("1\nabc\n"))
	assert.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, logx.Nop())
	assert.Error(t, err)
}
