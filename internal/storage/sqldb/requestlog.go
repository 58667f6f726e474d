package sqldb

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/orchd/orchd/internal"
)

const logCols = `request_id, method, endpoint, proxy_key_id, client_ip, user_agent,
	request_body, request_headers, response_body, response_headers, status_code, error,
	group_id, provider_type, model, upstream_key_mask, prompt_tokens, completion_tokens,
	total_tokens, has_tools, is_streaming, content_truncated, duration_ms, created_at, completed_at`

// InsertRequestLogs batch-inserts start rows. A single multi-row INSERT avoids
// N round-trips for large batches.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []*gateway.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	const cols = 25
	placeholders := make([]string, len(logs))
	args := make([]any, 0, len(logs)*cols)

	for i, l := range logs {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			l.RequestID, l.Method, l.Endpoint, l.ProxyKeyID, l.ClientIP, l.UserAgent,
			l.RequestBody, l.RequestHeaders, l.ResponseBody, l.ResponseHeaders,
			l.StatusCode, l.Error, l.GroupID, l.ProviderType, l.Model, l.UpstreamKeyMask,
			l.PromptTokens, l.CompletionTokens, l.TotalTokens,
			boolToInt(l.HasTools), boolToInt(l.IsStreaming), boolToInt(l.ContentTruncated),
			l.DurationMs, fmtTime(l.CreatedAt), timeToStr(l.CompletedAt),
		)
	}

	query := `INSERT INTO ` + s.tLogs + ` (` + logCols + `) VALUES ` + strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// UpdateRequestLogs finalizes start rows with end-of-request data.
// content_truncated is sticky: a row truncated at start stays truncated.
func (s *Store) UpdateRequestLogs(ctx context.Context, logs []*gateway.RequestLog) error {
	for _, l := range logs {
		_, err := s.write.ExecContext(ctx,
			`UPDATE `+s.tLogs+` SET status_code=?, response_body=?, response_headers=?,
			 error=?, group_id=?, provider_type=?, model=?, upstream_key_mask=?,
			 prompt_tokens=?, completion_tokens=?, total_tokens=?, has_tools=?,
			 is_streaming=?, content_truncated = content_truncated | ?,
			 duration_ms=?, completed_at=? WHERE request_id=?`,
			l.StatusCode, l.ResponseBody, l.ResponseHeaders,
			l.Error, l.GroupID, l.ProviderType, l.Model, l.UpstreamKeyMask,
			l.PromptTokens, l.CompletionTokens, l.TotalTokens, boolToInt(l.HasTools),
			boolToInt(l.IsStreaming), boolToInt(l.ContentTruncated),
			l.DurationMs, timeToStr(l.CompletedAt), l.RequestID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetRequestLog retrieves one log row by request ID.
func (s *Store) GetRequestLog(ctx context.Context, requestID string) (*gateway.RequestLog, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+logCols+` FROM `+s.tLogs+` WHERE request_id = ?`, requestID)
	return scanLog(row)
}

// ListRequestLogs returns logs matching the filter, newest first.
func (s *Store) ListRequestLogs(ctx context.Context, f gateway.RequestLogFilter) ([]*gateway.RequestLog, error) {
	where, args := logWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx,
		`SELECT `+logCols+` FROM `+s.tLogs+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.RequestLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func logWhere(f gateway.RequestLogFilter) (string, []any) {
	var conds []string
	var args []any
	if f.ProxyKeyID != "" {
		conds = append(conds, "proxy_key_id = ?")
		args = append(args, f.ProxyKeyID)
	}
	if f.GroupID != "" {
		conds = append(conds, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	switch f.StatusClass {
	case "2xx":
		conds = append(conds, "status_code >= 200 AND status_code < 300")
	case "non-2xx":
		conds = append(conds, "(status_code < 200 OR status_code >= 300)")
	}
	if f.Streaming != nil {
		conds = append(conds, "is_streaming = ?")
		args = append(args, boolToInt(*f.Streaming))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// RequestLogStats aggregates logs created at or after since.
func (s *Store) RequestLogStats(ctx context.Context, since time.Time) (*gateway.RequestLogStats, error) {
	sinceStr := fmtTime(since)
	stats := &gateway.RequestLogStats{
		ByModel:    make(map[string]int64),
		ByProxyKey: make(map[string]int64),
		ByDay:      make(map[string]int64),
	}

	var avg sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(CASE WHEN status_code >= 200 AND status_code < 300 THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(CASE WHEN status_code < 200 OR status_code >= 300 THEN 1 ELSE 0 END), 0),
		 AVG(duration_ms),
		 COALESCE(SUM(prompt_tokens), 0),
		 COALESCE(SUM(total_tokens), 0)
		 FROM `+s.tLogs+` WHERE created_at >= ?`, sinceStr,
	).Scan(&stats.TotalCount, &stats.SuccessCount, &stats.FailureCount,
		&avg, &stats.PromptTokens, &stats.TotalTokens)
	if err != nil {
		return nil, err
	}
	stats.AvgDurationMs = avg.Float64

	if err := s.rollup(ctx, sinceStr, "model", stats.ByModel); err != nil {
		return nil, err
	}
	if err := s.rollup(ctx, sinceStr, "proxy_key_id", stats.ByProxyKey); err != nil {
		return nil, err
	}
	// Per-day rollup: created_at is RFC3339, so the date is the first 10 bytes.
	rows, err := s.read.QueryContext(ctx,
		`SELECT SUBSTR(created_at, 1, 10), COUNT(*) FROM `+s.tLogs+`
		 WHERE created_at >= ? GROUP BY SUBSTR(created_at, 1, 10)`, sinceStr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var day string
		var n int64
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		stats.ByDay[day] = n
	}
	return stats, rows.Err()
}

func (s *Store) rollup(ctx context.Context, since, col string, into map[string]int64) error {
	rows, err := s.read.QueryContext(ctx,
		`SELECT COALESCE(`+col+`, ''), COUNT(*) FROM `+s.tLogs+`
		 WHERE created_at >= ? GROUP BY `+col, since)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		if key != "" {
			into[key] = n
		}
	}
	return rows.Err()
}

// CountRecentByProxyKey counts log rows for a proxy key within the window.
// Used for RPM admission.
func (s *Store) CountRecentByProxyKey(ctx context.Context, proxyKeyID string, window time.Duration) (int, error) {
	cutoff := fmtTime(time.Now().Add(-window))
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+s.tLogs+` WHERE proxy_key_id = ? AND created_at >= ?`,
		proxyKeyID, cutoff,
	).Scan(&n)
	return n, err
}

// DeleteRequestLogsBefore removes rows older than cutoff and returns the count.
func (s *Store) DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM `+s.tLogs+` WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanLog(sc scanner) (*gateway.RequestLog, error) {
	var l gateway.RequestLog
	var proxyKeyID, clientIP, userAgent, reqBody, reqHeaders, respBody, respHeaders sql.NullString
	var errStr, groupID, providerType, model, keyMask sql.NullString
	var hasTools, isStreaming, truncated int
	var createdAt string
	var completedAt sql.NullString

	err := sc.Scan(
		&l.RequestID, &l.Method, &l.Endpoint, &proxyKeyID, &clientIP, &userAgent,
		&reqBody, &reqHeaders, &respBody, &respHeaders, &l.StatusCode, &errStr,
		&groupID, &providerType, &model, &keyMask,
		&l.PromptTokens, &l.CompletionTokens, &l.TotalTokens,
		&hasTools, &isStreaming, &truncated, &l.DurationMs, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	l.ProxyKeyID = proxyKeyID.String
	l.ClientIP = clientIP.String
	l.UserAgent = userAgent.String
	l.RequestBody = reqBody.String
	l.RequestHeaders = reqHeaders.String
	l.ResponseBody = respBody.String
	l.ResponseHeaders = respHeaders.String
	l.Error = errStr.String
	l.GroupID = groupID.String
	l.ProviderType = providerType.String
	l.Model = model.String
	l.UpstreamKeyMask = keyMask.String
	l.HasTools = hasTools != 0
	l.IsStreaming = isStreaming != 0
	l.ContentTruncated = truncated != 0
	l.CreatedAt = parseTime(createdAt)
	l.CompletedAt = strToTime(completedAt)
	return &l, nil
}
