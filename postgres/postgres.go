package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
)

var (
	// ErrInvalidPassword marks an authentication failure against the server.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrDatabase marks any other failure talking to the database.
	ErrDatabase = errors.New("database error")
)

// CreateConnectionString renders libpq key='value' pairs, escaping quotes
// and backslashes. Keys are sorted so the output is stable.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

// Open connects through the pgx database/sql driver and pings the server.
// The pool is limited to one connection: a run issues one query at a time.
func Open(ctx context.Context, values map[string]string) (*sql.DB, error) {
	db, err := sql.Open("pgx", CreateConnectionString(values))
	if err != nil {
		return nil, Classify(err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Classify(err)
	}
	return db, nil
}

// Classify wraps err with ErrInvalidPassword or ErrDatabase.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidPassword) || errors.Is(err, ErrDatabase) {
		return err
	}
	if IsInvalidPassword(err) {
		return fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return fmt.Errorf("%w: %v", ErrDatabase, err)
}

// IsInvalidPassword reports whether err is a password authentication
// failure, by SQLSTATE or by the server's message.
func IsInvalidPassword(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InvalidPassword {
		return true
	}
	return strings.Contains(err.Error(), "password authentication failed for user")
}
