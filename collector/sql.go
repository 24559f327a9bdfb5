package collector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pgstats/logger"
)

// SQLSource reads counters from a statistics view over database/sql.
type SQLSource struct {
	DB  *sql.DB
	Log *zap.Logger // used when ctx carries no logger; may be nil
}

// NewSQLSource wraps an open database handle.
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{DB: db}
}

// Fetch implements Source. Rows with a NULL key (pg_stat_statements hides
// the query text from unprivileged roles) are skipped.
func (s *SQLSource) Fetch(ctx context.Context, set CounterSet) ([]Row, error) {
	rows, err := s.DB.QueryContext(ctx, BuildQuery(set))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var (
		out     []Row
		skipped int
		key     sql.NullString
		values  = make([]sql.NullFloat64, len(set.Counters))
		dest    = make([]any, 0, len(set.Counters)+1)
	)
	dest = append(dest, &key)
	for i := range values {
		dest = append(dest, &values[i])
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.WithStack(err)
		}
		if !key.Valid {
			skipped++
			continue
		}
		row := Row{Key: key.String, Counters: make(Counters, len(set.Counters))}
		for i, name := range set.Counters {
			if values[i].Valid {
				row.Counters[name] = Float(values[i].Float64)
			} else {
				row.Counters[name] = nil
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if skipped > 0 {
		logger.FromContext(ctx, s.Log).Debug("rows without key skipped",
			zap.String("view", set.View),
			zap.Int("rows", skipped))
	}
	return out, nil
}

// BuildQuery renders the aggregating read query for a counter set:
//
//	SELECT "key", CAST(SUM("c") AS double precision) AS "c", ...
//	FROM "view" GROUP BY "key" ORDER BY "o" DESC
func BuildQuery(set CounterSet) string {
	key := quote(set.KeyColumn)
	columns := make([]string, 0, len(set.Counters)+1)
	columns = append(columns, key)
	for _, name := range set.Counters {
		c := quote(name)
		columns = append(columns, fmt.Sprintf("CAST(SUM(%s) AS double precision) AS %s", c, c))
	}

	q := fmt.Sprintf("SELECT %s FROM %s GROUP BY %s",
		strings.Join(columns, ", "), quote(set.View), key)
	if set.OrderBy != "" {
		q += fmt.Sprintf(" ORDER BY %s DESC", quote(set.OrderBy))
	}
	return q
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}
