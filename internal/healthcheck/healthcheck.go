// Package healthcheck probes provider groups in three tiers: the provider
// endpoint, each configured key, and each key-model pairing.
package healthcheck

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/adapter"
	"github.com/orchd/orchd/internal/storage"
	"github.com/orchd/orchd/internal/telemetry"
)

const (
	// Pause between model probes on the same key, so back-to-back chat
	// calls do not read as rate-limit failures.
	interModelDelay = 30 * time.Second

	smokeMaxTokens = 1
)

// Checker runs tiered health probes and records their outcomes.
type Checker struct {
	store    storage.HealthStore
	adapters *adapter.Registry
	metrics  *telemetry.Metrics
	log      *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a Checker.
func New(store storage.HealthStore, adapters *adapter.Registry, metrics *telemetry.Metrics, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		store:    store,
		adapters: adapters,
		metrics:  metrics,
		log:      log,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// Report is the outcome of one tiered run over a group.
type Report struct {
	GroupID     string                       `json:"group_id"`
	ProviderOK  bool                         `json:"provider_ok"`
	KeysOK      bool                         `json:"keys_ok"`   // at least one key healthy
	ModelsOK    bool                         `json:"models_ok"` // every probed model reachable
	Results     []*gateway.HealthCheckResult `json:"results"`
	Explanation string                       `json:"explanation,omitempty"`
}

// CheckGroup runs the tiered probe: provider, then keys, then models.
// A provider-tier failure skips the remaining tiers.
func (c *Checker) CheckGroup(ctx context.Context, g *gateway.GroupConfig) (*Report, error) {
	ad, err := c.adapters.Get(g.ProviderType)
	if err != nil {
		return nil, err
	}
	report := &Report{GroupID: g.ID}

	var firstKey string
	if len(g.APIKeys) > 0 {
		firstKey = g.APIKeys[0]
	}
	r := c.probeModels(ctx, ad, g, firstKey, gateway.CheckProvider, "")
	report.Results = append(report.Results, r)
	report.ProviderOK = r.Success
	if !report.ProviderOK {
		report.Explanation = "provider endpoint unreachable; key and model tiers skipped"
		return report, nil
	}

	healthy := make([]string, 0, len(g.APIKeys))
	for _, key := range g.APIKeys {
		r := c.probeModels(ctx, ad, g, key, gateway.CheckKey, "")
		report.Results = append(report.Results, r)
		if r.Success {
			healthy = append(healthy, key)
		}
	}
	report.KeysOK = len(healthy) > 0

	report.ModelsOK = true
	for _, key := range healthy {
		for i, model := range g.Models {
			if i > 0 {
				c.sleep(ctx, interModelDelay)
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			r := c.probeChat(ctx, ad, g, key, model)
			report.Results = append(report.Results, r)
			if !r.Success {
				report.ModelsOK = false
			}
		}
	}

	if report.ProviderOK && report.KeysOK && !report.ModelsOK {
		report.Explanation = "models endpoint works but the chat endpoint does not; " +
			"keys are valid yet chat requests fail for some models"
	}
	return report, nil
}

// SmokeKey runs a single minimal chat probe for one key, used by the key
// health reconciliation worker. The group's test model (or first model) is
// probed with max_tokens=1.
func (c *Checker) SmokeKey(ctx context.Context, g *gateway.GroupConfig, key string) bool {
	ad, err := c.adapters.Get(g.ProviderType)
	if err != nil {
		return false
	}
	model := g.TestModel
	if model == "" && len(g.Models) > 0 {
		model = g.Models[0]
	}
	if model == "" {
		return false
	}
	r := c.probeChat(ctx, ad, g, key, model)
	return r.Success
}

// probeModels hits the model listing endpoint for the provider or key tier.
func (c *Checker) probeModels(ctx context.Context, ad adapter.Adapter, g *gateway.GroupConfig,
	key, checkType, model string) *gateway.HealthCheckResult {

	started := time.Now()
	_, err := ad.ListModels(ctx, g, key)
	return c.record(ctx, g, checkType, key, model, started, err)
}

// probeChat sends a minimal one-token chat request for the model tier.
func (c *Checker) probeChat(ctx context.Context, ad adapter.Adapter, g *gateway.GroupConfig,
	key, model string) *gateway.HealthCheckResult {

	req := &adapter.Request{
		Model: model,
		Body:  smokeBody(g.ProviderType),
	}
	started := time.Now()
	var err error
	body, perr := ad.PrepareContent(req, g)
	if perr != nil {
		err = perr
	} else {
		resp, serr := ad.Send(ctx, req, body, g, key)
		switch {
		case serr != nil:
			err = serr
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			err = &adapter.APIError{Provider: g.ProviderType, StatusCode: resp.StatusCode, Body: string(resp.Body)}
		}
	}
	return c.record(ctx, g, gateway.CheckModel, key, model, started, err)
}

// smokeBody builds the cheapest valid chat body for the dialect.
func smokeBody(providerType string) map[string]any {
	switch providerType {
	case gateway.ProviderGemini:
		return map[string]any{
			"contents": []any{map[string]any{
				"parts": []any{map[string]any{"text": "ping"}},
			}},
			"generationConfig": map[string]any{"maxOutputTokens": smokeMaxTokens, "temperature": 0},
		}
	default:
		return map[string]any{
			"messages":    []any{map[string]any{"role": "user", "content": "ping"}},
			"max_tokens":  smokeMaxTokens,
			"temperature": 0,
		}
	}
}

// record persists one probe outcome and refreshes the rolling stats.
func (c *Checker) record(ctx context.Context, g *gateway.GroupConfig, checkType, key, model string,
	started time.Time, probeErr error) *gateway.HealthCheckResult {

	elapsed := time.Since(started).Milliseconds()
	r := &gateway.HealthCheckResult{
		ID:             uuid.Must(uuid.NewV7()).String(),
		GroupID:        g.ID,
		CheckType:      checkType,
		KeyMask:        gateway.MaskKey(key),
		Model:          model,
		Success:        probeErr == nil,
		ResponseTimeMs: elapsed,
		CheckedAt:      time.Now(),
	}
	if probeErr != nil {
		var apiErr *adapter.APIError
		if errors.As(probeErr, &apiErr) {
			r.StatusCode = apiErr.StatusCode
		}
		r.Error = statusMessage(r.StatusCode, probeErr)
	} else {
		r.StatusCode = 200
	}

	if err := c.store.InsertHealthResult(ctx, r); err != nil {
		c.log.Error("record health result", slog.String("group", g.ID), slog.String("error", err.Error()))
	}
	c.updateStats(ctx, r)

	if c.metrics != nil {
		outcome := "success"
		if !r.Success {
			outcome = "failure"
		}
		c.metrics.HealthProbes.WithLabelValues(checkType, outcome).Inc()
	}
	return r
}

func (c *Checker) updateStats(ctx context.Context, r *gateway.HealthCheckResult) {
	st, err := c.store.GetHealthStats(ctx, r.GroupID, r.CheckType)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			c.log.Error("load health stats", slog.String("group", r.GroupID), slog.String("error", err.Error()))
			return
		}
		st = &gateway.HealthCheckStats{GroupID: r.GroupID, CheckType: r.CheckType}
	}

	st.TotalCount++
	if r.Success {
		st.SuccessCount++
		st.ConsecutiveFailures = 0
	} else {
		st.FailureCount++
		st.ConsecutiveFailures++
	}
	// Rolling average over all observations.
	st.AvgResponseTimeMs += (float64(r.ResponseTimeMs) - st.AvgResponseTimeMs) / float64(st.TotalCount)
	st.LastCheckedAt = r.CheckedAt

	if err := c.store.UpsertHealthStats(ctx, st); err != nil {
		c.log.Error("save health stats", slog.String("group", r.GroupID), slog.String("error", err.Error()))
	}
}

// statusMessage maps probe status codes to operator-facing messages.
func statusMessage(status int, err error) string {
	switch {
	case status == 401:
		return "invalid key"
	case status == 403:
		return "forbidden"
	case status == 404:
		return "endpoint missing"
	case status == 429:
		return "rate-limited"
	case status >= 500:
		return "server error (" + strconv.Itoa(status) + ")"
	case status != 0:
		return "unexpected status " + strconv.Itoa(status)
	default:
		return err.Error()
	}
}
