// Package testutil provides configurable in-memory fakes for gateway
// interfaces.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/storage"
)

var _ storage.Store = (*FakeStore)(nil)

// FakeStore is a mutex-guarded in-memory storage.Store. Zero value is not
// usable; construct with NewFakeStore. Err, when set, is returned by every
// method to exercise failure paths.
type FakeStore struct {
	mu sync.Mutex

	Err error

	Groups      map[string]*gateway.GroupConfig
	ProxyKeys   map[string]*gateway.ProxyKey
	Validations map[string]*gateway.KeyValidation // key: groupID + "/" + hash
	Usage       map[string]*gateway.KeyUsageStats // key: groupID + "/" + hash
	Logs        map[string]*gateway.RequestLog
	HealthRows  []*gateway.HealthCheckResult
	HealthStats map[string]*gateway.HealthCheckStats // key: groupID + "/" + checkType
}

// NewFakeStore returns an empty ready-to-use FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Groups:      make(map[string]*gateway.GroupConfig),
		ProxyKeys:   make(map[string]*gateway.ProxyKey),
		Validations: make(map[string]*gateway.KeyValidation),
		Usage:       make(map[string]*gateway.KeyUsageStats),
		Logs:        make(map[string]*gateway.RequestLog),
		HealthStats: make(map[string]*gateway.HealthCheckStats),
	}
}

func vkey(groupID, hash string) string { return groupID + "/" + hash }

func (f *FakeStore) CreateGroup(_ context.Context, g *gateway.GroupConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Groups[g.ID]; ok {
		return gateway.ErrConflict
	}
	cp := *g
	f.Groups[g.ID] = &cp
	return nil
}

func (f *FakeStore) GetGroup(_ context.Context, id string) (*gateway.GroupConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	g, ok := f.Groups[id]
	if !ok || g.IsDeleted {
		return nil, gateway.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *FakeStore) ListGroups(_ context.Context) ([]*gateway.GroupConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*gateway.GroupConfig
	for _, g := range f.Groups {
		if g.IsDeleted {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeStore) UpdateGroup(_ context.Context, g *gateway.GroupConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Groups[g.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *g
	f.Groups[g.ID] = &cp
	return nil
}

func (f *FakeStore) DeleteGroup(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	g, ok := f.Groups[id]
	if !ok {
		return gateway.ErrNotFound
	}
	g.IsDeleted = true
	return nil
}

func (f *FakeStore) CreateProxyKey(_ context.Context, k *gateway.ProxyKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.ProxyKeys[k.ID]; ok {
		return gateway.ErrConflict
	}
	cp := *k
	f.ProxyKeys[k.ID] = &cp
	return nil
}

func (f *FakeStore) GetProxyKeyByValue(_ context.Context, keyValue string) (*gateway.ProxyKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	for _, k := range f.ProxyKeys {
		if k.KeyValue == keyValue {
			cp := *k
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (f *FakeStore) GetProxyKey(_ context.Context, id string) (*gateway.ProxyKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	k, ok := f.ProxyKeys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *FakeStore) ListProxyKeys(_ context.Context) ([]*gateway.ProxyKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*gateway.ProxyKey
	for _, k := range f.ProxyKeys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeStore) UpdateProxyKey(_ context.Context, k *gateway.ProxyKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.ProxyKeys[k.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *k
	f.ProxyKeys[k.ID] = &cp
	return nil
}

func (f *FakeStore) DeleteProxyKey(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.ProxyKeys[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(f.ProxyKeys, id)
	return nil
}

func (f *FakeStore) TouchProxyKeyUsed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	k, ok := f.ProxyKeys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.UsageCount++
	now := time.Now()
	k.LastUsedAt = &now
	return nil
}

func (f *FakeStore) GetValidation(_ context.Context, groupID, keyHash string) (*gateway.KeyValidation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	v, ok := f.Validations[vkey(groupID, keyHash)]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *FakeStore) UpsertValidation(_ context.Context, v *gateway.KeyValidation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	cp := *v
	f.Validations[vkey(v.GroupID, v.APIKeyHash)] = &cp
	return nil
}

func (f *FakeStore) ListInvalidValidations(_ context.Context, groupID string) ([]*gateway.KeyValidation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*gateway.KeyValidation
	for _, v := range f.Validations {
		if v.GroupID == groupID && !v.IsValid {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIKeyHash < out[j].APIKeyHash })
	return out, nil
}

func (f *FakeStore) DeleteValidation(_ context.Context, groupID, keyHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.Validations, vkey(groupID, keyHash))
	return nil
}

func (f *FakeStore) GetKeyUsage(_ context.Context, groupID, keyHash string) (*gateway.KeyUsageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	u, ok := f.Usage[vkey(groupID, keyHash)]
	if !ok {
		return &gateway.KeyUsageStats{GroupID: groupID, APIKeyHash: keyHash}, nil
	}
	cp := *u
	return &cp, nil
}

func (f *FakeStore) ListKeyUsage(_ context.Context, groupID string) ([]*gateway.KeyUsageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*gateway.KeyUsageStats
	for _, u := range f.Usage {
		if u.GroupID == groupID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIKeyHash < out[j].APIKeyHash })
	return out, nil
}

func (f *FakeStore) IncrKeyUsage(_ context.Context, groupID, keyHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	k := vkey(groupID, keyHash)
	u, ok := f.Usage[k]
	if !ok {
		u = &gateway.KeyUsageStats{GroupID: groupID, APIKeyHash: keyHash}
		f.Usage[k] = u
	}
	u.UsageCount++
	now := time.Now()
	u.LastUsedAt = &now
	return nil
}

func (f *FakeStore) InsertRequestLogs(_ context.Context, logs []*gateway.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for _, l := range logs {
		cp := *l
		f.Logs[l.RequestID] = &cp
	}
	return nil
}

func (f *FakeStore) UpdateRequestLogs(_ context.Context, logs []*gateway.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for _, l := range logs {
		prev, ok := f.Logs[l.RequestID]
		if !ok {
			continue
		}
		cp := *l
		cp.Method = prev.Method
		cp.Endpoint = prev.Endpoint
		cp.ProxyKeyID = prev.ProxyKeyID
		cp.ClientIP = prev.ClientIP
		cp.UserAgent = prev.UserAgent
		cp.RequestBody = prev.RequestBody
		cp.RequestHeaders = prev.RequestHeaders
		cp.CreatedAt = prev.CreatedAt
		cp.ContentTruncated = prev.ContentTruncated || l.ContentTruncated
		f.Logs[l.RequestID] = &cp
	}
	return nil
}

func (f *FakeStore) GetRequestLog(_ context.Context, requestID string) (*gateway.RequestLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	l, ok := f.Logs[requestID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *FakeStore) ListRequestLogs(_ context.Context, filter gateway.RequestLogFilter) ([]*gateway.RequestLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*gateway.RequestLog
	for _, l := range f.Logs {
		if filter.ProxyKeyID != "" && l.ProxyKeyID != filter.ProxyKeyID {
			continue
		}
		if filter.GroupID != "" && l.GroupID != filter.GroupID {
			continue
		}
		if filter.Model != "" && l.Model != filter.Model {
			continue
		}
		ok2xx := l.StatusCode >= 200 && l.StatusCode < 300
		if filter.StatusClass == "2xx" && !ok2xx {
			continue
		}
		if filter.StatusClass == "non-2xx" && ok2xx {
			continue
		}
		if filter.Streaming != nil && l.IsStreaming != *filter.Streaming {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *FakeStore) RequestLogStats(_ context.Context, since time.Time) (*gateway.RequestLogStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	stats := &gateway.RequestLogStats{
		ByModel:    make(map[string]int64),
		ByProxyKey: make(map[string]int64),
		ByDay:      make(map[string]int64),
	}
	var durSum float64
	for _, l := range f.Logs {
		if l.CreatedAt.Before(since) {
			continue
		}
		stats.TotalCount++
		if l.StatusCode >= 200 && l.StatusCode < 300 {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
		durSum += float64(l.DurationMs)
		stats.PromptTokens += int64(l.PromptTokens)
		stats.TotalTokens += int64(l.TotalTokens)
		if l.Model != "" {
			stats.ByModel[l.Model]++
		}
		if l.ProxyKeyID != "" {
			stats.ByProxyKey[l.ProxyKeyID]++
		}
		stats.ByDay[l.CreatedAt.UTC().Format("2006-01-02")]++
	}
	if stats.TotalCount > 0 {
		stats.AvgDurationMs = durSum / float64(stats.TotalCount)
	}
	return stats, nil
}

func (f *FakeStore) CountRecentByProxyKey(_ context.Context, proxyKeyID string, window time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	cutoff := time.Now().Add(-window)
	n := 0
	for _, l := range f.Logs {
		if l.ProxyKeyID == proxyKeyID && !l.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (f *FakeStore) DeleteRequestLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	var n int64
	for id, l := range f.Logs {
		if l.CreatedAt.Before(cutoff) {
			delete(f.Logs, id)
			n++
		}
	}
	return n, nil
}

func (f *FakeStore) InsertHealthResult(_ context.Context, r *gateway.HealthCheckResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	cp := *r
	f.HealthRows = append(f.HealthRows, &cp)
	return nil
}

func (f *FakeStore) ListHealthResults(_ context.Context, groupID string, limit int) ([]*gateway.HealthCheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*gateway.HealthCheckResult
	for i := len(f.HealthRows) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if f.HealthRows[i].GroupID == groupID {
			cp := *f.HealthRows[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *FakeStore) UpsertHealthStats(_ context.Context, s *gateway.HealthCheckStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	cp := *s
	f.HealthStats[vkey(s.GroupID, s.CheckType)] = &cp
	return nil
}

func (f *FakeStore) GetHealthStats(_ context.Context, groupID, checkType string) (*gateway.HealthCheckStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s, ok := f.HealthStats[vkey(groupID, checkType)]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *FakeStore) Ping(context.Context) error { return nil }

func (f *FakeStore) Close() error { return nil }

// LogsByPrefix returns request logs whose ID starts with prefix, for test
// assertions on generated IDs.
func (f *FakeStore) LogsByPrefix(prefix string) []*gateway.RequestLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.RequestLog
	for id, l := range f.Logs {
		if strings.HasPrefix(id, prefix) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out
}
