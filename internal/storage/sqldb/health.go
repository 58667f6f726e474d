package sqldb

import (
	"context"
	"database/sql"

	gateway "github.com/orchd/orchd/internal"
)

// InsertHealthResult records one probe outcome.
func (s *Store) InsertHealthResult(ctx context.Context, r *gateway.HealthCheckResult) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO `+s.tHealthResults+`
		 (id, group_id, check_type, key_mask, model, success, status_code, error,
		  response_time_ms, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.GroupID, r.CheckType, r.KeyMask, r.Model, boolToInt(r.Success),
		r.StatusCode, r.Error, r.ResponseTimeMs, fmtTime(r.CheckedAt),
	)
	return err
}

// ListHealthResults returns recent probe results for a group, newest first.
func (s *Store) ListHealthResults(ctx context.Context, groupID string, limit int) ([]*gateway.HealthCheckResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, group_id, check_type, key_mask, model, success, status_code, error,
		 response_time_ms, checked_at
		 FROM `+s.tHealthResults+` WHERE group_id = ? ORDER BY checked_at DESC LIMIT ?`,
		groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.HealthCheckResult
	for rows.Next() {
		var r gateway.HealthCheckResult
		var keyMask, model, errStr sql.NullString
		var success int
		var checkedAt string
		err := rows.Scan(&r.ID, &r.GroupID, &r.CheckType, &keyMask, &model, &success,
			&r.StatusCode, &errStr, &r.ResponseTimeMs, &checkedAt)
		if err != nil {
			return nil, err
		}
		r.KeyMask = keyMask.String
		r.Model = model.String
		r.Error = errStr.String
		r.Success = success != 0
		r.CheckedAt = parseTime(checkedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpsertHealthStats writes the rolling aggregate for (group, check type).
func (s *Store) UpsertHealthStats(ctx context.Context, st *gateway.HealthCheckStats) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM `+s.tHealthStats+` WHERE group_id = ? AND check_type = ?`,
		st.GroupID, st.CheckType)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO `+s.tHealthStats+`
		 (group_id, check_type, total_count, success_count, failure_count,
		  avg_response_time_ms, consecutive_failures, last_checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.GroupID, st.CheckType, st.TotalCount, st.SuccessCount, st.FailureCount,
		st.AvgResponseTimeMs, st.ConsecutiveFailures, fmtTime(st.LastCheckedAt),
	)
	return err
}

// GetHealthStats retrieves the aggregate for (group, check type).
func (s *Store) GetHealthStats(ctx context.Context, groupID, checkType string) (*gateway.HealthCheckStats, error) {
	var st gateway.HealthCheckStats
	var lastChecked string
	err := s.read.QueryRowContext(ctx,
		`SELECT group_id, check_type, total_count, success_count, failure_count,
		 avg_response_time_ms, consecutive_failures, last_checked_at
		 FROM `+s.tHealthStats+` WHERE group_id = ? AND check_type = ?`,
		groupID, checkType,
	).Scan(&st.GroupID, &st.CheckType, &st.TotalCount, &st.SuccessCount,
		&st.FailureCount, &st.AvgResponseTimeMs, &st.ConsecutiveFailures, &lastChecked)
	if err != nil {
		return nil, notFoundErr(err)
	}
	st.LastCheckedAt = parseTime(lastChecked)
	return &st, nil
}
