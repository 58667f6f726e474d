package keymanager

import (
	"testing"
	"time"

	gateway "github.com/orchd/orchd/internal"
)

func groups(ids ...string) []*gateway.GroupConfig {
	out := make([]*gateway.GroupConfig, len(ids))
	for i, id := range ids {
		out[i] = &gateway.GroupConfig{ID: id}
	}
	return out
}

func ids(gs []*gateway.GroupConfig) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.ID
	}
	return out
}

func TestOrderGroupsFailover(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	cands := []*gateway.GroupConfig{
		{ID: "low", Priority: 1},
		{ID: "high", Priority: 9},
		{ID: "mid", Priority: 5},
	}
	pk := &gateway.ProxyKey{ID: "pk1", GroupBalancePolicy: gateway.GroupPolicyFailover}
	got := ids(m.OrderGroups(pk, cands))
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	// Input order preserved.
	if cands[0].ID != "low" {
		t.Error("OrderGroups must not mutate its input")
	}
}

func TestOrderGroupsUnknownPolicyFallsBackToFailover(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	cands := []*gateway.GroupConfig{
		{ID: "a", Priority: 1},
		{ID: "b", Priority: 2},
	}
	pk := &gateway.ProxyKey{ID: "pk1", GroupBalancePolicy: "mystery"}
	got := ids(m.OrderGroups(pk, cands))
	if got[0] != "b" {
		t.Errorf("order = %v, want priority order", got)
	}
}

func TestOrderGroupsRoundRobin(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	cands := groups("a", "b", "c")
	pk := &gateway.ProxyKey{ID: "pk1", GroupBalancePolicy: gateway.GroupPolicyRoundRobin}

	first := ids(m.OrderGroups(pk, cands))
	second := ids(m.OrderGroups(pk, cands))
	third := ids(m.OrderGroups(pk, cands))
	fourth := ids(m.OrderGroups(pk, cands))

	if first[0] != "a" || second[0] != "b" || third[0] != "c" || fourth[0] != "a" {
		t.Errorf("rotation heads = %s %s %s %s", first[0], second[0], third[0], fourth[0])
	}
	// Each result is a rotation, not a permutation.
	if second[1] != "c" || second[2] != "a" {
		t.Errorf("second = %v, want [b c a]", second)
	}
}

func TestOrderGroupsRoundRobinCursorExpiry(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	cands := groups("a", "b")
	pk := &gateway.ProxyKey{ID: "pk1", GroupBalancePolicy: gateway.GroupPolicyRoundRobin}

	m.OrderGroups(pk, cands) // cursor now at 1

	// Idle cursors reset after an hour.
	base := time.Now()
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	got := ids(m.OrderGroups(pk, cands))
	if got[0] != "a" {
		t.Errorf("expired cursor must restart at the first candidate, got %v", got)
	}
}

func TestOrderGroupsWeighted(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	cands := groups("a", "b")
	pk := &gateway.ProxyKey{
		ID:                 "pk1",
		GroupBalancePolicy: gateway.GroupPolicyWeighted,
		GroupWeights:       map[string]int{"a": 99, "b": 1},
	}

	heads := make(map[string]int)
	for i := 0; i < 200; i++ {
		got := m.OrderGroups(pk, cands)
		if len(got) != 2 {
			t.Fatalf("len = %d", len(got))
		}
		heads[got[0].ID]++
	}
	if heads["a"] <= heads["b"] {
		t.Errorf("weight 99 vs 1 should dominate: %v", heads)
	}
}

func TestOrderGroupsWeightedAllZeroFallsBack(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	cands := []*gateway.GroupConfig{
		{ID: "a", Priority: 1},
		{ID: "b", Priority: 7},
	}
	pk := &gateway.ProxyKey{
		ID:                 "pk1",
		GroupBalancePolicy: gateway.GroupPolicyWeighted,
		GroupWeights:       map[string]int{"a": 0, "b": 0},
	}
	got := ids(m.OrderGroups(pk, cands))
	if got[0] != "b" {
		t.Errorf("all-zero weights must fall back to failover, got %v", got)
	}
}

func TestOrderGroupsWeightedMissingWeightDefaultsToOne(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	cands := groups("a", "b")
	pk := &gateway.ProxyKey{
		ID:                 "pk1",
		GroupBalancePolicy: gateway.GroupPolicyWeighted,
		GroupWeights:       map[string]int{"a": 0}, // b missing => weight 1
	}
	got := ids(m.OrderGroups(pk, cands))
	if got[0] != "b" {
		t.Errorf("only b has weight, got %v", got)
	}
}

func TestOrderGroupsRandomIsPermutation(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	cands := groups("a", "b", "c")
	pk := &gateway.ProxyKey{ID: "pk1", GroupBalancePolicy: gateway.GroupPolicyRandom}
	got := m.OrderGroups(pk, cands)
	seen := make(map[string]bool)
	for _, g := range got {
		seen[g.ID] = true
	}
	if len(seen) != 3 {
		t.Errorf("random order lost candidates: %v", ids(got))
	}
}
