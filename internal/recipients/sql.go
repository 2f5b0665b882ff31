package recipients

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"castbot/internal/broadcast"
	logx "castbot/pkg/logx"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQL lists recipients from <table>.<column>.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	log     logx.Logger

	listQ     string
	countQ    string
	registerQ string
}

// NewSQL wraps db. table and column default to users/user_id and must be
// plain identifiers.
func NewSQL(db *sql.DB, d Dialect, table, column string, log logx.Logger) (*SQL, error) {
	table = strings.TrimSpace(table)
	column = strings.TrimSpace(column)
	if table == "" {
		table = "users"
	}
	if column == "" {
		column = "user_id"
	}
	if !identRe.MatchString(table) || !identRe.MatchString(column) || strings.Contains(column, ".") {
		return nil, fmt.Errorf("invalid recipients table/column %q/%q", table, column)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQL{
		db:        db,
		dialect:   d,
		log:       log,
		listQ:     fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", column, table, column),
		countQ:    fmt.Sprintf("SELECT COUNT(*) FROM %s", table),
		registerQ: fmt.Sprintf("INSERT INTO %s (%s) SELECT CAST(%s AS BIGINT) WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = %s)", table, column, d.placeholder(1), table, column, d.placeholder(2)),
	}, nil
}

func (s *SQL) List(ctx context.Context) ([]broadcast.RecipientID, error) {
	rows, err := s.db.QueryContext(ctx, s.listQ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []broadcast.RecipientID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, broadcast.RecipientID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.log.Debug("recipients listed", logx.Int("count", len(out)))
	return out, nil
}

func (s *SQL) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.countQ).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Register inserts id unless it is already present.
func (s *SQL) Register(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.registerQ, id, id)
	return err
}

func (s *SQL) Close() error { return s.db.Close() }
