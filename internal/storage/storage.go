// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/orchd/orchd/internal"
)

// GroupStore manages provider group configuration persistence.
// Deleting a group tombstones it; validation and usage rows are kept for audit.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *gateway.GroupConfig) error
	GetGroup(ctx context.Context, id string) (*gateway.GroupConfig, error)
	ListGroups(ctx context.Context) ([]*gateway.GroupConfig, error) // non-deleted only
	UpdateGroup(ctx context.Context, g *gateway.GroupConfig) error
	DeleteGroup(ctx context.Context, id string) error // tombstone
}

// ProxyKeyStore manages proxy key persistence.
type ProxyKeyStore interface {
	CreateProxyKey(ctx context.Context, k *gateway.ProxyKey) error
	GetProxyKeyByValue(ctx context.Context, keyValue string) (*gateway.ProxyKey, error)
	GetProxyKey(ctx context.Context, id string) (*gateway.ProxyKey, error)
	ListProxyKeys(ctx context.Context) ([]*gateway.ProxyKey, error)
	UpdateProxyKey(ctx context.Context, k *gateway.ProxyKey) error
	DeleteProxyKey(ctx context.Context, id string) error
	TouchProxyKeyUsed(ctx context.Context, id string) error // usage_count++, last_used_at=now
}

// ValidationStore manages per-key validation state, keyed by (group, key hash).
// Writes are row-level last-writer-wins.
type ValidationStore interface {
	GetValidation(ctx context.Context, groupID, keyHash string) (*gateway.KeyValidation, error)
	UpsertValidation(ctx context.Context, v *gateway.KeyValidation) error
	ListInvalidValidations(ctx context.Context, groupID string) ([]*gateway.KeyValidation, error)
	DeleteValidation(ctx context.Context, groupID, keyHash string) error
}

// UsageStore manages per-key usage stats.
type UsageStore interface {
	GetKeyUsage(ctx context.Context, groupID, keyHash string) (*gateway.KeyUsageStats, error)
	ListKeyUsage(ctx context.Context, groupID string) ([]*gateway.KeyUsageStats, error)
	IncrKeyUsage(ctx context.Context, groupID, keyHash string) error
}

// RequestLogStore manages request log persistence and queries.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, logs []*gateway.RequestLog) error
	UpdateRequestLogs(ctx context.Context, logs []*gateway.RequestLog) error
	GetRequestLog(ctx context.Context, requestID string) (*gateway.RequestLog, error)
	ListRequestLogs(ctx context.Context, f gateway.RequestLogFilter) ([]*gateway.RequestLog, error)
	RequestLogStats(ctx context.Context, since time.Time) (*gateway.RequestLogStats, error)
	CountRecentByProxyKey(ctx context.Context, proxyKeyID string, window time.Duration) (int, error)
	DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// HealthStore manages health check results and rolling stats.
type HealthStore interface {
	InsertHealthResult(ctx context.Context, r *gateway.HealthCheckResult) error
	ListHealthResults(ctx context.Context, groupID string, limit int) ([]*gateway.HealthCheckResult, error)
	UpsertHealthStats(ctx context.Context, s *gateway.HealthCheckStats) error
	GetHealthStats(ctx context.Context, groupID, checkType string) (*gateway.HealthCheckStats, error)
}

// Store combines all storage interfaces.
type Store interface {
	GroupStore
	ProxyKeyStore
	ValidationStore
	UsageStore
	RequestLogStore
	HealthStore
	Ping(ctx context.Context) error
	Close() error
}
