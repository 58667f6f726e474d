// Package keymanager selects upstream API keys, tracks their health, and
// enforces proxy-key admission.
package keymanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/cache"
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetProxyKeyByValue(ctx context.Context, keyValue string) (*gateway.ProxyKey, error)
	TouchProxyKeyUsed(ctx context.Context, id string) error
	GetValidation(ctx context.Context, groupID, apiKeyHash string) (*gateway.KeyValidation, error)
	UpsertValidation(ctx context.Context, v *gateway.KeyValidation) error
	ListKeyUsage(ctx context.Context, groupID string) ([]*gateway.KeyUsageStats, error)
	IncrKeyUsage(ctx context.Context, groupID, apiKeyHash string) error
	CountRecentByProxyKey(ctx context.Context, proxyKeyID string, window time.Duration) (int, error)
}

const (
	proxyKeyCacheTTL = 5 * time.Minute
	groupCursorTTL   = time.Hour
	rpmWindow        = time.Minute
)

// Manager owns key selection state. Cursors live in memory; validation and
// usage are authoritative in the store with last-writer-wins semantics.
type Manager struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	proxyKeys *cache.TTL[*gateway.ProxyKey]

	mu          sync.Mutex
	keyCursor   map[string]int         // per-group API key rotation
	groupCursor map[string]cursorEntry // per-proxy-key group rotation
}

type cursorEntry struct {
	pos     int
	touched time.Time
}

// New creates a Manager backed by the given store.
func New(store Store, log *slog.Logger) (*Manager, error) {
	pk, err := cache.NewTTL[*gateway.ProxyKey](10_000, proxyKeyCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("proxy key cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       store,
		log:         log,
		now:         time.Now,
		proxyKeys:   pk,
		keyCursor:   make(map[string]int),
		groupCursor: make(map[string]cursorEntry),
	}, nil
}

// ValidateProxyKey resolves a raw client credential to an enabled ProxyKey.
// Lookups are cached; disabled and unknown keys return ErrInvalidProxyKey.
func (m *Manager) ValidateProxyKey(ctx context.Context, raw string) (*gateway.ProxyKey, error) {
	if raw == "" {
		return nil, gateway.ErrInvalidProxyKey
	}
	if pk, ok := m.proxyKeys.Get(raw); ok {
		return pk, nil
	}
	pk, err := m.store.GetProxyKeyByValue(ctx, raw)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrInvalidProxyKey
		}
		return nil, fmt.Errorf("lookup proxy key: %w", err)
	}
	if !pk.Enabled {
		return nil, gateway.ErrInvalidProxyKey
	}
	m.proxyKeys.Set(raw, pk)
	return pk, nil
}

// CheckRpm admits a request iff the proxy key's recent request count is
// strictly below the effective limit: min of the proxy key and group limits,
// zeros meaning unlimited.
func (m *Manager) CheckRpm(ctx context.Context, pk *gateway.ProxyKey, g *gateway.GroupConfig) error {
	limit := 0
	if pk.RPMLimit > 0 {
		limit = pk.RPMLimit
	}
	if g != nil && g.RPMLimit > 0 && (limit == 0 || g.RPMLimit < limit) {
		limit = g.RPMLimit
	}
	if limit == 0 {
		return nil
	}
	n, err := m.store.CountRecentByProxyKey(ctx, pk.ID, rpmWindow)
	if err != nil {
		return fmt.Errorf("count recent requests: %w", err)
	}
	if n >= limit {
		return gateway.ErrRpmExceeded
	}
	return nil
}

// IsAvailable applies the availability rules to a validation row, in order:
//
//  1. no row: untested keys are optimistically available
//  2. row older than 24h: available if valid or lightly errored
//  3. error_count >= 5: available only after a 1h cooldown
//  4. fresh 401: unavailable for 30min
//  5. otherwise the stored verdict
func (m *Manager) IsAvailable(v *gateway.KeyValidation) bool {
	if v == nil {
		return true
	}
	age := m.now().Sub(v.LastValidatedAt)
	if age > 24*time.Hour {
		return v.IsValid || v.ErrorCount < 3
	}
	if v.ErrorCount >= 5 {
		return age > time.Hour
	}
	if v.LastStatusCode != nil && *v.LastStatusCode == 401 && age < 30*time.Minute {
		return false
	}
	return v.IsValid
}

// NextKey returns one available key of the group under its balance policy,
// or ErrNoAvailableKey when every key is filtered out.
func (m *Manager) NextKey(ctx context.Context, g *gateway.GroupConfig) (string, error) {
	available := make([]string, 0, len(g.APIKeys))
	for _, key := range g.APIKeys {
		v, err := m.store.GetValidation(ctx, g.ID, gateway.HashKey(key))
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return "", fmt.Errorf("get validation: %w", err)
		}
		if m.IsAvailable(v) {
			available = append(available, key)
		}
	}
	if len(available) == 0 {
		return "", gateway.ErrNoAvailableKey
	}

	switch g.BalancePolicy {
	case gateway.BalanceRandom:
		return available[rand.IntN(len(available))], nil
	case gateway.BalanceLeastUsed:
		return m.leastUsed(ctx, g, available)
	default:
		// round_robin, and the documented fallback for unknown policies.
		m.mu.Lock()
		pos := m.keyCursor[g.ID]
		m.keyCursor[g.ID] = pos + 1
		m.mu.Unlock()
		return available[pos%len(available)], nil
	}
}

// leastUsed picks the available key with the lowest usage count, ties broken
// by configured order, and increments the winner's count at selection time.
func (m *Manager) leastUsed(ctx context.Context, g *gateway.GroupConfig, available []string) (string, error) {
	rows, err := m.store.ListKeyUsage(ctx, g.ID)
	if err != nil {
		return "", fmt.Errorf("list key usage: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.APIKeyHash] = r.UsageCount
	}

	best := available[0]
	bestCount := counts[gateway.HashKey(best)]
	for _, key := range available[1:] {
		if c := counts[gateway.HashKey(key)]; c < bestCount {
			best, bestCount = key, c
		}
	}
	if err := m.store.IncrKeyUsage(ctx, g.ID, gateway.HashKey(best)); err != nil {
		return "", fmt.Errorf("increment usage: %w", err)
	}
	return best, nil
}

// ReportError records a failed upstream attempt against a key. statusCode 0
// means the failure had no HTTP status (network error).
func (m *Manager) ReportError(ctx context.Context, groupID, apiKey string, statusCode int, msg string) error {
	hash := gateway.HashKey(apiKey)
	v, err := m.store.GetValidation(ctx, groupID, hash)
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return fmt.Errorf("get validation: %w", err)
	}
	if v == nil {
		v = &gateway.KeyValidation{GroupID: groupID, APIKeyHash: hash}
	}
	v.ErrorCount++
	v.IsValid = false
	v.LastError = msg
	if statusCode != 0 {
		code := statusCode
		v.LastStatusCode = &code
	} else {
		v.LastStatusCode = nil
	}
	v.LastValidatedAt = m.now()
	return m.store.UpsertValidation(ctx, v)
}

// ResetErrors marks a key healthy after a successful call.
func (m *Manager) ResetErrors(ctx context.Context, groupID, apiKey string) error {
	return m.store.UpsertValidation(ctx, &gateway.KeyValidation{
		GroupID:         groupID,
		APIKeyHash:      gateway.HashKey(apiKey),
		IsValid:         true,
		ErrorCount:      0,
		LastValidatedAt: m.now(),
	})
}

// UpdateUsage bumps the selection counter for a key.
func (m *Manager) UpdateUsage(ctx context.Context, groupID, apiKey string) error {
	return m.store.IncrKeyUsage(ctx, groupID, gateway.HashKey(apiKey))
}

// UpdateProxyKeyUsage stamps the proxy key's usage counters.
func (m *Manager) UpdateProxyKeyUsage(ctx context.Context, proxyKeyID string) error {
	return m.store.TouchProxyKeyUsed(ctx, proxyKeyID)
}
