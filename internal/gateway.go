// Package gateway defines domain types and interfaces for the orchd LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Provider type identifiers. A group's provider type determines which wire
// dialect it speaks and which adapter serves it.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Per-group API key balancing policies.
const (
	BalanceRoundRobin = "round_robin"
	BalanceRandom     = "random"
	BalanceLeastUsed  = "least_used"
)

// Proxy-key-level group selection policies.
const (
	GroupPolicyFailover   = "failover"
	GroupPolicyRoundRobin = "round_robin"
	GroupPolicyWeighted   = "weighted"
	GroupPolicyRandom     = "random"
)

// GroupConfig binds a provider type, a base URL, an ordered set of upstream
// API keys, a model list, and per-group policies.
type GroupConfig struct {
	ID                 string            `json:"id"`
	ProviderType       string            `json:"provider_type"`
	BaseURL            string            `json:"base_url,omitempty"`
	APIKeys            []string          `json:"api_keys"`
	Models             []string          `json:"models"`
	ModelAliases       map[string]string `json:"model_aliases,omitempty"`
	ParameterOverrides map[string]any    `json:"parameter_overrides,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	BalancePolicy      string            `json:"balance_policy"`
	RetryCount         int               `json:"retry_count"`
	Timeout            int               `json:"timeout"` // seconds, 0 = defaults
	RPMLimit           int               `json:"rpm_limit"`
	TestModel          string            `json:"test_model,omitempty"`
	Priority           int               `json:"priority"`
	Enabled            bool              `json:"enabled"`
	FakeStreaming      bool              `json:"fake_streaming"`
	ProxyURL           string            `json:"proxy_url,omitempty"`
	IsDeleted          bool              `json:"-"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ServesModel reports whether the group lists model directly or as an alias key.
func (g *GroupConfig) ServesModel(model string) bool {
	for _, m := range g.Models {
		if m == model {
			return true
		}
	}
	_, ok := g.ModelAliases[model]
	return ok
}

// ResolveAlias maps an alias to its canonical model name, or returns model
// unchanged when no alias exists. The lookup is a pure function of the
// aliases map; composing it with an already-canonical name is a no-op.
func (g *GroupConfig) ResolveAlias(model string) string {
	if canonical, ok := g.ModelAliases[model]; ok && canonical != "" {
		return canonical
	}
	return model
}

// ProxyKey is a gateway-issued credential presented by a client. It scopes
// access to a subset of groups and carries the group selection policy.
type ProxyKey struct {
	ID                 string         `json:"id"`
	KeyValue           string         `json:"-"` // never exposed after creation
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Enabled            bool           `json:"enabled"`
	RPMLimit           int            `json:"rpm_limit"`
	AllowedGroups      []string       `json:"allowed_groups,omitempty"` // empty = all enabled groups
	GroupBalancePolicy string         `json:"group_balance_policy"`
	GroupWeights       map[string]int `json:"group_weights,omitempty"`
	UsageCount         int64          `json:"usage_count"`
	LastUsedAt         *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// AllowsGroup reports whether the key may use the given group.
// An empty AllowedGroups set means all enabled groups.
func (p *ProxyKey) AllowsGroup(groupID string) bool {
	if len(p.AllowedGroups) == 0 {
		return true
	}
	for _, id := range p.AllowedGroups {
		if id == groupID {
			return true
		}
	}
	return false
}

// KeyValidation tracks the health of one upstream API key within a group.
// The key itself is stored only as a hash; the raw value lives in
// GroupConfig.APIKeys.
type KeyValidation struct {
	GroupID         string    `json:"group_id"`
	APIKeyHash      string    `json:"api_key_hash"`
	IsValid         bool      `json:"is_valid"`
	ErrorCount      int       `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
	LastStatusCode  *int      `json:"last_status_code,omitempty"`
	LastValidatedAt time.Time `json:"last_validated_at"`
}

// KeyUsageStats records selection counts per (group, key hash).
type KeyUsageStats struct {
	GroupID    string     `json:"group_id"`
	APIKeyHash string     `json:"api_key_hash"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// RequestLog is one gateway request, created at start and finalized exactly
// once at end. RequestID is opaque and only observed by the gateway itself.
type RequestLog struct {
	RequestID        string     `json:"request_id"`
	Method           string     `json:"method"`
	Endpoint         string     `json:"endpoint"`
	ProxyKeyID       string     `json:"proxy_key_id,omitempty"`
	ClientIP         string     `json:"client_ip,omitempty"`
	UserAgent        string     `json:"user_agent,omitempty"`
	RequestBody      string     `json:"request_body,omitempty"`
	RequestHeaders   string     `json:"request_headers,omitempty"`
	ResponseBody     string     `json:"response_body,omitempty"`
	ResponseHeaders  string     `json:"response_headers,omitempty"`
	StatusCode       int        `json:"status_code"`
	Error            string     `json:"error,omitempty"`
	GroupID          string     `json:"group_id,omitempty"`
	ProviderType     string     `json:"provider_type,omitempty"`
	Model            string     `json:"model,omitempty"`
	UpstreamKeyMask  string     `json:"upstream_key_mask,omitempty"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	HasTools         bool       `json:"has_tools"`
	IsStreaming      bool       `json:"is_streaming"`
	ContentTruncated bool       `json:"content_truncated"`
	DurationMs       int64      `json:"duration_ms"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// RequestLogFilter narrows request log queries. Zero values mean "no filter".
type RequestLogFilter struct {
	ProxyKeyID  string
	GroupID     string
	Model       string
	StatusClass string // "2xx", "non-2xx", or ""
	Streaming   *bool
	Offset      int
	Limit       int
}

// RequestLogStats aggregates request logs for reporting.
type RequestLogStats struct {
	TotalCount    int64            `json:"total_count"`
	SuccessCount  int64            `json:"success_count"`
	FailureCount  int64            `json:"failure_count"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	PromptTokens  int64            `json:"prompt_tokens"`
	TotalTokens   int64            `json:"total_tokens"`
	ByModel       map[string]int64 `json:"by_model"`
	ByProxyKey    map[string]int64 `json:"by_proxy_key"`
	ByDay         map[string]int64 `json:"by_day"` // YYYY-MM-DD -> count
}

// Health check tiers.
const (
	CheckProvider = "provider"
	CheckKey      = "key"
	CheckModel    = "model"
)

// HealthCheckResult is one probe outcome.
type HealthCheckResult struct {
	ID             string    `json:"id"`
	GroupID        string    `json:"group_id"`
	CheckType      string    `json:"check_type"` // provider | key | model
	KeyMask        string    `json:"key_mask,omitempty"`
	Model          string    `json:"model,omitempty"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"status_code"`
	Error          string    `json:"error,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	CheckedAt      time.Time `json:"checked_at"`
}

// HealthCheckStats is the rolling aggregate per (group, check type).
type HealthCheckStats struct {
	GroupID             string    `json:"group_id"`
	CheckType           string    `json:"check_type"`
	TotalCount          int64     `json:"total_count"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
}

// HashKey returns the SHA-256 hash of a raw API key as uppercase hex.
// Stable across processes; used to key KeyValidation and KeyUsageStats rows.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// MaskKey masks an upstream API key for logs: keys of 8 characters or fewer
// become all asterisks; longer keys keep the first and last 4 characters.
func MaskKey(key string) string {
	n := len(key)
	if n == 0 {
		return ""
	}
	if n <= 8 {
		return strings.Repeat("*", n)
	}
	return key[:4] + strings.Repeat("*", n-8) + key[n-4:]
}
