package sqldb

import (
	"context"
	"database/sql"

	gateway "github.com/orchd/orchd/internal"
)

const validationCols = `group_id, api_key_hash, is_valid, error_count, last_error,
	last_status_code, last_validated_at`

// GetValidation retrieves the validation row for (group, key hash).
func (s *Store) GetValidation(ctx context.Context, groupID, keyHash string) (*gateway.KeyValidation, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+validationCols+` FROM `+s.tValidation+`
		 WHERE group_id = ? AND api_key_hash = ?`, groupID, keyHash)
	return scanValidation(row)
}

// UpsertValidation writes the validation row, last-writer-wins.
func (s *Store) UpsertValidation(ctx context.Context, v *gateway.KeyValidation) error {
	var statusCode sql.NullInt64
	if v.LastStatusCode != nil {
		statusCode = sql.NullInt64{Int64: int64(*v.LastStatusCode), Valid: true}
	}
	// ON CONFLICT syntax differs between sqlite and mysql; delete-then-insert
	// keeps the query portable and the row is already last-writer-wins.
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM `+s.tValidation+` WHERE group_id = ? AND api_key_hash = ?`,
		v.GroupID, v.APIKeyHash)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO `+s.tValidation+` (`+validationCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.GroupID, v.APIKeyHash, boolToInt(v.IsValid), v.ErrorCount, v.LastError,
		statusCode, fmtTime(v.LastValidatedAt),
	)
	return err
}

// ListInvalidValidations returns rows with is_valid = 0 for a group.
func (s *Store) ListInvalidValidations(ctx context.Context, groupID string) ([]*gateway.KeyValidation, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+validationCols+` FROM `+s.tValidation+`
		 WHERE group_id = ? AND is_valid = 0`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.KeyValidation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteValidation removes an orphaned validation row.
func (s *Store) DeleteValidation(ctx context.Context, groupID, keyHash string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM `+s.tValidation+` WHERE group_id = ? AND api_key_hash = ?`,
		groupID, keyHash)
	return err
}

func scanValidation(sc scanner) (*gateway.KeyValidation, error) {
	var v gateway.KeyValidation
	var isValid int
	var lastError sql.NullString
	var statusCode sql.NullInt64
	var validatedAt string

	err := sc.Scan(&v.GroupID, &v.APIKeyHash, &isValid, &v.ErrorCount,
		&lastError, &statusCode, &validatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	v.IsValid = isValid != 0
	v.LastError = lastError.String
	if statusCode.Valid {
		code := int(statusCode.Int64)
		v.LastStatusCode = &code
	}
	v.LastValidatedAt = parseTime(validatedAt)
	return &v, nil
}
