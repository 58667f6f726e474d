package sqldb

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/orchd/orchd/internal"
)

const groupCols = `id, provider_type, base_url, api_keys, models, model_aliases,
	parameter_overrides, headers, balance_policy, retry_count, timeout_s, rpm_limit,
	test_model, priority, enabled, fake_streaming, proxy_url, is_deleted, created_at, updated_at`

// CreateGroup inserts a new provider group.
func (s *Store) CreateGroup(ctx context.Context, g *gateway.GroupConfig) error {
	keys, err := marshalJSON(g.APIKeys)
	if err != nil {
		return err
	}
	models, err := marshalJSON(g.Models)
	if err != nil {
		return err
	}
	aliases, err := marshalJSON(g.ModelAliases)
	if err != nil {
		return err
	}
	overrides, err := marshalJSON(g.ParameterOverrides)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(g.Headers)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO `+s.tGroups+` (`+groupCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.ProviderType, g.BaseURL, keys, models, aliases,
		overrides, headers, g.BalancePolicy, g.RetryCount, g.Timeout, g.RPMLimit,
		g.TestModel, g.Priority, boolToInt(g.Enabled), boolToInt(g.FakeStreaming),
		g.ProxyURL, boolToInt(g.IsDeleted), fmtTime(g.CreatedAt), fmtTime(g.UpdatedAt),
	)
	return err
}

// GetGroup retrieves a non-deleted group by ID.
func (s *Store) GetGroup(ctx context.Context, id string) (*gateway.GroupConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+groupCols+` FROM `+s.tGroups+` WHERE id = ? AND is_deleted = 0`, id)
	return scanGroup(row)
}

// ListGroups returns all non-deleted groups ordered by priority descending.
func (s *Store) ListGroups(ctx context.Context) ([]*gateway.GroupConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+groupCols+` FROM `+s.tGroups+` WHERE is_deleted = 0 ORDER BY priority DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.GroupConfig
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGroup updates an existing group.
func (s *Store) UpdateGroup(ctx context.Context, g *gateway.GroupConfig) error {
	keys, err := marshalJSON(g.APIKeys)
	if err != nil {
		return err
	}
	models, err := marshalJSON(g.Models)
	if err != nil {
		return err
	}
	aliases, err := marshalJSON(g.ModelAliases)
	if err != nil {
		return err
	}
	overrides, err := marshalJSON(g.ParameterOverrides)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(g.Headers)
	if err != nil {
		return err
	}

	g.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE `+s.tGroups+` SET provider_type=?, base_url=?, api_keys=?, models=?,
		 model_aliases=?, parameter_overrides=?, headers=?, balance_policy=?, retry_count=?,
		 timeout_s=?, rpm_limit=?, test_model=?, priority=?, enabled=?, fake_streaming=?,
		 proxy_url=?, updated_at=? WHERE id=? AND is_deleted = 0`,
		g.ProviderType, g.BaseURL, keys, models, aliases, overrides, headers,
		g.BalancePolicy, g.RetryCount, g.Timeout, g.RPMLimit, g.TestModel, g.Priority,
		boolToInt(g.Enabled), boolToInt(g.FakeStreaming), g.ProxyURL,
		fmtTime(g.UpdatedAt), g.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "group")
}

// DeleteGroup tombstones a group. Validation and usage rows are kept for audit.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE `+s.tGroups+` SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0`,
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "group")
}

func scanGroup(sc scanner) (*gateway.GroupConfig, error) {
	var g gateway.GroupConfig
	var baseURL, keys, models, aliases, overrides, headers, testModel, proxyURL sql.NullString
	var enabled, fakeStreaming, isDeleted int
	var createdAt, updatedAt string

	err := sc.Scan(
		&g.ID, &g.ProviderType, &baseURL, &keys, &models, &aliases,
		&overrides, &headers, &g.BalancePolicy, &g.RetryCount, &g.Timeout, &g.RPMLimit,
		&testModel, &g.Priority, &enabled, &fakeStreaming, &proxyURL, &isDeleted,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	g.BaseURL = baseURL.String
	g.TestModel = testModel.String
	g.ProxyURL = proxyURL.String
	g.Enabled = enabled != 0
	g.FakeStreaming = fakeStreaming != 0
	g.IsDeleted = isDeleted != 0
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)

	if err := unmarshalJSON(keys, &g.APIKeys); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(models, &g.Models); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(aliases, &g.ModelAliases); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(overrides, &g.ParameterOverrides); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(headers, &g.Headers); err != nil {
		return nil, err
	}
	return &g, nil
}
