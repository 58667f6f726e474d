package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/orchd/orchd/internal"
)

// GetKeyUsage retrieves the usage row for (group, key hash).
// Missing rows return zeroed stats rather than ErrNotFound; a key that was
// never selected simply has zero usage.
func (s *Store) GetKeyUsage(ctx context.Context, groupID, keyHash string) (*gateway.KeyUsageStats, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT group_id, api_key_hash, usage_count, last_used_at
		 FROM `+s.tUsage+` WHERE group_id = ? AND api_key_hash = ?`, groupID, keyHash)
	u, err := scanUsage(row)
	if errors.Is(err, gateway.ErrNotFound) {
		return &gateway.KeyUsageStats{GroupID: groupID, APIKeyHash: keyHash}, nil
	}
	return u, err
}

// ListKeyUsage returns all usage rows for a group.
func (s *Store) ListKeyUsage(ctx context.Context, groupID string) ([]*gateway.KeyUsageStats, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT group_id, api_key_hash, usage_count, last_used_at
		 FROM `+s.tUsage+` WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.KeyUsageStats
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// IncrKeyUsage increments usage_count and stamps last_used_at, inserting the
// row on first use.
func (s *Store) IncrKeyUsage(ctx context.Context, groupID, keyHash string) error {
	now := fmtTime(time.Now())
	result, err := s.write.ExecContext(ctx,
		`UPDATE `+s.tUsage+` SET usage_count = usage_count + 1, last_used_at = ?
		 WHERE group_id = ? AND api_key_hash = ?`, now, groupID, keyHash)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO `+s.tUsage+` (group_id, api_key_hash, usage_count, last_used_at)
		 VALUES (?, ?, 1, ?)`, groupID, keyHash, now)
	return err
}

func scanUsage(sc scanner) (*gateway.KeyUsageStats, error) {
	var u gateway.KeyUsageStats
	var lastUsedAt sql.NullString
	if err := sc.Scan(&u.GroupID, &u.APIKeyHash, &u.UsageCount, &lastUsedAt); err != nil {
		return nil, notFoundErr(err)
	}
	u.LastUsedAt = strToTime(lastUsedAt)
	return &u, nil
}
