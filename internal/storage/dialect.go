package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type dialect struct {
	name       string // migrations directory
	driverName string // database/sql driver
	claimLock  string // appended to the claim SELECT
	dollar     bool   // $n placeholders
	unique     func(error) bool
}

var (
	sqliteDialect = dialect{
		name:       DriverSQLite,
		driverName: "sqlite",
		unique:     isSQLiteUnique,
	}
	postgresDialect = dialect{
		name:       DriverPostgres,
		driverName: "pgx",
		claimLock:  " FOR UPDATE SKIP LOCKED",
		dollar:     true,
		unique:     isPostgresUnique,
	}
)

// q rewrites ? placeholders for the dialect. Queries never contain literal '?'.
func (d dialect) q(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func isPostgresUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
