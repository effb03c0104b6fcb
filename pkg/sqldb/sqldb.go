// ABOUTME: Shared database/sql plumbing for the SQL index and SQL mapper
// ABOUTME: Opens sqlite3 or postgres pools and rewrites placeholders per driver

package sqldb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the differences between supported drivers
type Dialect struct {
	Driver string
	dollar bool
}

// DialectFor returns the dialect for a database/sql driver name
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "":
		return Dialect{Driver: "sqlite3"}, nil
	case "postgres":
		return Dialect{Driver: "postgres", dollar: true}, nil
	}
	return Dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
}

// Rebind rewrites '?' placeholders into the driver's style. Question marks
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(sql string) string {
	if !d.dollar {
		return sql
	}
	var sb strings.Builder
	sb.Grow(len(sql) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// Options selects a database
type Options struct {
	Driver       string
	DSN          string
	Path         string
	MaxOpenConns int
}

// Open opens a connection pool. For sqlite3 a Path may replace the DSN; the
// pool is limited to one connection since SQLite serialises writers.
func Open(opts Options) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, Dialect{}, err
	}
	dsn := opts.DSN
	if dsn == "" && dialect.Driver == "sqlite3" {
		if opts.Path == "" {
			return nil, Dialect{}, fmt.Errorf("sqlite3 needs a path or dsn")
		}
		dsn = opts.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	if dsn == "" {
		return nil, Dialect{}, fmt.Errorf("%s needs a dsn", dialect.Driver)
	}
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s: %w", dialect.Driver, err)
	}
	if dialect.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	return db, dialect, nil
}
