package keymanager

import (
	"math/rand/v2"
	"sort"

	gateway "github.com/orchd/orchd/internal"
)

// OrderGroups arranges candidate groups into the attempt order dictated by
// the proxy key's group balance policy. The returned slice is freshly
// allocated; candidates is not modified.
func (m *Manager) OrderGroups(pk *gateway.ProxyKey, candidates []*gateway.GroupConfig) []*gateway.GroupConfig {
	if len(candidates) <= 1 {
		return append([]*gateway.GroupConfig(nil), candidates...)
	}
	switch pk.GroupBalancePolicy {
	case gateway.GroupPolicyRoundRobin:
		return m.rotateGroups(pk.ID, candidates)
	case gateway.GroupPolicyWeighted:
		return weightedOrder(pk, candidates)
	case gateway.GroupPolicyRandom:
		out := append([]*gateway.GroupConfig(nil), candidates...)
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	default:
		// failover, and the fallback for unknown policies.
		return byPriority(candidates)
	}
}

// byPriority sorts highest priority first; ties keep candidate order.
func byPriority(candidates []*gateway.GroupConfig) []*gateway.GroupConfig {
	out := append([]*gateway.GroupConfig(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// rotateGroups starts the candidate list at a per-proxy-key cursor. Cursors
// idle for over an hour reset to the beginning.
func (m *Manager) rotateGroups(proxyKeyID string, candidates []*gateway.GroupConfig) []*gateway.GroupConfig {
	now := m.now()

	m.mu.Lock()
	e, ok := m.groupCursor[proxyKeyID]
	if !ok || now.Sub(e.touched) > groupCursorTTL {
		e = cursorEntry{}
	}
	start := e.pos % len(candidates)
	m.groupCursor[proxyKeyID] = cursorEntry{pos: e.pos + 1, touched: now}
	m.mu.Unlock()

	out := make([]*gateway.GroupConfig, 0, len(candidates))
	for i := 0; i < len(candidates); i++ {
		out = append(out, candidates[(start+i)%len(candidates)])
	}
	return out
}

// weightedOrder repeatedly samples without replacement, proportional to
// group_weights. Missing weights count as 1; an all-zero weight map falls
// back to failover ordering.
func weightedOrder(pk *gateway.ProxyKey, candidates []*gateway.GroupConfig) []*gateway.GroupConfig {
	weights := make([]int, len(candidates))
	total := 0
	for i, g := range candidates {
		w, ok := pk.GroupWeights[g.ID]
		if !ok {
			w = 1
		}
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return byPriority(candidates)
	}

	pool := append([]*gateway.GroupConfig(nil), candidates...)
	out := make([]*gateway.GroupConfig, 0, len(candidates))
	for len(pool) > 0 {
		r := rand.IntN(total)
		for i := range pool {
			r -= weights[i]
			if r < 0 {
				out = append(out, pool[i])
				total -= weights[i]
				pool = append(pool[:i], pool[i+1:]...)
				weights = append(weights[:i], weights[i+1:]...)
				break
			}
		}
	}
	return out
}
