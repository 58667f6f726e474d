package sqldb

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/orchd/orchd/internal"
)

const proxyKeyCols = `id, key_value, name, description, enabled, rpm_limit,
	allowed_groups, group_balance_policy, group_weights, usage_count, last_used_at, created_at`

// CreateProxyKey inserts a new proxy key.
func (s *Store) CreateProxyKey(ctx context.Context, k *gateway.ProxyKey) error {
	groups, err := marshalJSON(k.AllowedGroups)
	if err != nil {
		return err
	}
	weights, err := marshalJSON(k.GroupWeights)
	if err != nil {
		return err
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO `+s.tProxyKeys+` (`+proxyKeyCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.KeyValue, k.Name, k.Description, boolToInt(k.Enabled), k.RPMLimit,
		groups, k.GroupBalancePolicy, weights, k.UsageCount,
		timeToStr(k.LastUsedAt), fmtTime(k.CreatedAt),
	)
	return err
}

// GetProxyKeyByValue retrieves a proxy key by its raw key value.
func (s *Store) GetProxyKeyByValue(ctx context.Context, keyValue string) (*gateway.ProxyKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+proxyKeyCols+` FROM `+s.tProxyKeys+` WHERE key_value = ?`, keyValue)
	return scanProxyKey(row)
}

// GetProxyKey retrieves a proxy key by ID.
func (s *Store) GetProxyKey(ctx context.Context, id string) (*gateway.ProxyKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+proxyKeyCols+` FROM `+s.tProxyKeys+` WHERE id = ?`, id)
	return scanProxyKey(row)
}

// ListProxyKeys returns all proxy keys ordered by creation time.
func (s *Store) ListProxyKeys(ctx context.Context) ([]*gateway.ProxyKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+proxyKeyCols+` FROM `+s.tProxyKeys+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ProxyKey
	for rows.Next() {
		k, err := scanProxyKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateProxyKey updates an existing proxy key.
func (s *Store) UpdateProxyKey(ctx context.Context, k *gateway.ProxyKey) error {
	groups, err := marshalJSON(k.AllowedGroups)
	if err != nil {
		return err
	}
	weights, err := marshalJSON(k.GroupWeights)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE `+s.tProxyKeys+` SET name=?, description=?, enabled=?, rpm_limit=?,
		 allowed_groups=?, group_balance_policy=?, group_weights=? WHERE id=?`,
		k.Name, k.Description, boolToInt(k.Enabled), k.RPMLimit,
		groups, k.GroupBalancePolicy, weights, k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy key")
}

// DeleteProxyKey removes a proxy key.
func (s *Store) DeleteProxyKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM `+s.tProxyKeys+` WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy key")
}

// TouchProxyKeyUsed increments usage_count and stamps last_used_at.
func (s *Store) TouchProxyKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE `+s.tProxyKeys+` SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id,
	)
	return err
}

func scanProxyKey(sc scanner) (*gateway.ProxyKey, error) {
	var k gateway.ProxyKey
	var description, groups, weights, lastUsedAt sql.NullString
	var enabled int
	var createdAt string

	err := sc.Scan(
		&k.ID, &k.KeyValue, &k.Name, &description, &enabled, &k.RPMLimit,
		&groups, &k.GroupBalancePolicy, &weights, &k.UsageCount, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Description = description.String
	k.Enabled = enabled != 0
	k.LastUsedAt = strToTime(lastUsedAt)
	k.CreatedAt = parseTime(createdAt)

	if err := unmarshalJSON(groups, &k.AllowedGroups); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(weights, &k.GroupWeights); err != nil {
		return nil, err
	}
	return &k, nil
}
