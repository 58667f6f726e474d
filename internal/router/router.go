// Package router resolves a model name and a proxy key to a provider group
// and an upstream API key.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/cache"
	"github.com/orchd/orchd/internal/keymanager"
)

const candidateCacheTTL = 5 * time.Minute

// GroupLister is the slice of storage the router needs.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]*gateway.GroupConfig, error)
}

// Result is a fully resolved route: where to send the request and with what.
type Result struct {
	Group         *gateway.GroupConfig
	APIKey        string
	ResolvedModel string
	Overrides     map[string]any
}

// RouteError carries the failed group so the dispatcher can exclude it and
// try again.
type RouteError struct {
	Err           error
	FailedGroupID string
}

func (e *RouteError) Error() string { return e.Err.Error() }

func (e *RouteError) Unwrap() error { return e.Err }

// Router picks a group and key for each request. Candidate group lookups are
// cached per (model, forced dialect) and refreshed only by TTL expiry.
type Router struct {
	store      GroupLister
	keys       *keymanager.Manager
	candidates *cache.TTL[[]*gateway.GroupConfig]
}

// New creates a Router.
func New(store GroupLister, keys *keymanager.Manager) (*Router, error) {
	c, err := cache.NewTTL[[]*gateway.GroupConfig](10_000, candidateCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("candidate cache: %w", err)
	}
	return &Router{store: store, keys: keys, candidates: c}, nil
}

// Route resolves model to a group and API key for the proxy key, skipping
// excluded group IDs. forcedDialect, when non-empty, restricts candidates to
// groups of that provider type.
func (r *Router) Route(ctx context.Context, model string, proxyKey *gateway.ProxyKey,
	forcedDialect string, excluded map[string]bool) (*Result, error) {

	if proxyKey != nil {
		if !proxyKey.Enabled {
			return nil, &RouteError{Err: gateway.ErrInvalidProxyKey}
		}
		// Global admission against the proxy key's own limit; the group
		// limit is folded in once a group is chosen.
		if err := r.keys.CheckRpm(ctx, proxyKey, nil); err != nil {
			return nil, err
		}
	}

	cands, err := r.candidateGroups(ctx, model, forcedDialect)
	if err != nil {
		return nil, err
	}

	eligible := make([]*gateway.GroupConfig, 0, len(cands))
	for _, g := range cands {
		if excluded[g.ID] {
			continue
		}
		if proxyKey != nil && !proxyKey.AllowsGroup(g.ID) {
			continue
		}
		eligible = append(eligible, g)
	}
	if len(eligible) == 0 {
		return nil, &RouteError{Err: gateway.ErrNoEligibleGroup}
	}

	var ordered []*gateway.GroupConfig
	if proxyKey != nil && len(eligible) > 1 {
		ordered = r.keys.OrderGroups(proxyKey, eligible)
	} else {
		ordered = r.keys.OrderGroups(&gateway.ProxyKey{GroupBalancePolicy: gateway.GroupPolicyFailover}, eligible)
	}

	group := ordered[0]
	apiKey, err := r.keys.NextKey(ctx, group)
	if err != nil {
		if errors.Is(err, gateway.ErrNoAvailableKey) {
			return nil, &RouteError{Err: err, FailedGroupID: group.ID}
		}
		return nil, err
	}

	return &Result{
		Group:         group,
		APIKey:        apiKey,
		ResolvedModel: group.ResolveAlias(model),
		Overrides:     group.ParameterOverrides,
	}, nil
}

// candidateGroups returns the enabled groups serving model, optionally
// filtered by dialect. Results are cached for 5 minutes; config changes show
// up when the entry expires.
func (r *Router) candidateGroups(ctx context.Context, model, forcedDialect string) ([]*gateway.GroupConfig, error) {
	key := model + "\x00" + forcedDialect
	if cands, ok := r.candidates.Get(key); ok {
		return cands, nil
	}

	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	var cands []*gateway.GroupConfig
	for _, g := range groups {
		if !g.Enabled {
			continue
		}
		if forcedDialect != "" && g.ProviderType != forcedDialect {
			continue
		}
		if !g.ServesModel(model) {
			continue
		}
		cands = append(cands, g)
	}
	r.candidates.Set(key, cands)
	return cands, nil
}
