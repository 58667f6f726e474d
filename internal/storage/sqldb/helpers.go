package sqldb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/orchd/orchd/internal"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalJSON serializes v, returning NULL-able empty string for nil values.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalJSON deserializes a nullable JSON column into out; no-op when NULL.
func unmarshalJSON(col sql.NullString, out any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), out)
}

// timeLayout is RFC3339 with a fixed nine-digit fraction. RFC3339Nano drops
// trailing zeros, which breaks lexicographic ordering of the text column;
// a fixed width keeps string comparison equal to chronological comparison.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeToStr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func strToTime(col sql.NullString) *time.Time {
	if !col.Valid || col.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, col.String)
	if err != nil {
		return nil
	}
	return &t
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
