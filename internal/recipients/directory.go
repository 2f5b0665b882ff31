package recipients

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"castbot/internal/broadcast"
	logx "castbot/pkg/logx"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Config struct {
	Driver   string
	DSN      string
	Table    string
	IDColumn string
	IDs      []int64
	File     string
}

// Directory is a broadcast.Directory that owns a connection.
type Directory interface {
	broadcast.Directory
	Close() error
}

// Registrar adds a recipient when a user starts the bot.
type Registrar interface {
	Register(ctx context.Context, id int64) error
}

// Open connects the configured directory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Directory, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "static":
		return NewStatic(cfg.IDs, cfg.File)
	case "sqlite", "sqlite3":
		return openSQL(ctx, "sqlite", DialectSQLite, cfg, log)
	case "postgres", "postgresql", "pg":
		return openSQL(ctx, "postgres", DialectPostgres, cfg, log)
	default:
		return nil, errors.New("unknown recipients driver: " + driver)
	}
}

func openSQL(ctx context.Context, driverName string, d Dialect, cfg Config, log logx.Logger) (Directory, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("recipients.dsn is required for %s", driverName)
	}
	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if d == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recipients: %w", err)
	}
	dir, err := NewSQL(db, d, cfg.Table, cfg.IDColumn, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return dir, nil
}

// WriteIDs writes one id per line.
func WriteIDs(w io.Writer, ids []broadcast.RecipientID) error {
	bw := bufio.NewWriter(w)
	for _, id := range ids {
		if _, err := bw.WriteString(strconv.FormatInt(int64(id), 10)); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadIDs parses one id per line. Blank lines and '#' comments are skipped.
func ReadIDs(r io.Reader) ([]broadcast.RecipientID, error) {
	var out []broadcast.RecipientID
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid id %q", line, s)
		}
		out = append(out, broadcast.RecipientID(v))
	}
	return out, sc.Err()
}

// Static is a fixed recipient list. Duplicates are dropped, first one wins.
type Static struct {
	ids []broadcast.RecipientID
}

func NewStatic(ids []int64, file string) (*Static, error) {
	all := make([]broadcast.RecipientID, 0, len(ids))
	for _, id := range ids {
		all = append(all, broadcast.RecipientID(id))
	}
	if strings.TrimSpace(file) != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		more, err := ReadIDs(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		all = append(all, more...)
	}
	seen := make(map[broadcast.RecipientID]struct{}, len(all))
	out := all[:0]
	for _, id := range all {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return &Static{ids: out}, nil
}

func (s *Static) List(context.Context) ([]broadcast.RecipientID, error) {
	return append([]broadcast.RecipientID(nil), s.ids...), nil
}

func (s *Static) Count(context.Context) (int, error) { return len(s.ids), nil }

func (s *Static) Close() error { return nil }
