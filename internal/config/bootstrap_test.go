package config

import (
	"context"
	"testing"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/testutil"
)

func seedConfig() *Config {
	cfg := Defaults()
	cfg.Groups = []GroupEntry{{
		ID:           "g1",
		ProviderType: gateway.ProviderOpenAI,
		APIKeys:      []string{"sk-a"},
		Models:       []string{"gpt-4o"},
		Priority:     5,
	}}
	cfg.ProxyKeys = []ProxyKeyEntry{{
		ID:   "pk1",
		Key:  "pk-secret",
		Name: "team",
	}}
	return &cfg
}

func TestBootstrapSeedsStore(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	ctx := context.Background()

	if err := Bootstrap(ctx, seedConfig(), store); err != nil {
		t.Fatal(err)
	}

	g, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if !g.Enabled || g.Priority != 5 || len(g.APIKeys) != 1 {
		t.Errorf("group = %+v", g)
	}

	pk, err := store.GetProxyKeyByValue(ctx, "pk-secret")
	if err != nil {
		t.Fatal(err)
	}
	if pk.ID != "pk1" || !pk.Enabled {
		t.Errorf("proxy key = %+v", pk)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	ctx := context.Background()
	cfg := seedConfig()

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}

	// Simulate an operator edit between restarts.
	g, _ := store.GetGroup(ctx, "g1")
	g.Priority = 99
	if err := store.UpdateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}
	g, _ = store.GetGroup(ctx, "g1")
	if g.Priority != 99 {
		t.Error("bootstrap must not overwrite existing rows")
	}
}

func TestBootstrapFiltersEmptyAPIKeys(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	ctx := context.Background()
	cfg := seedConfig()
	cfg.Groups[0].APIKeys = []string{"sk-a", "", "sk-b"}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}

	g, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(g.APIKeys) != 2 || g.APIKeys[0] != "sk-a" || g.APIKeys[1] != "sk-b" {
		t.Errorf("api keys = %v, want empty entries dropped", g.APIKeys)
	}
}

func TestBootstrapSkipsEmptyKey(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	cfg := Defaults()
	cfg.ProxyKeys = []ProxyKeyEntry{{ID: "pk1", Name: "no key value"}}

	if err := Bootstrap(context.Background(), &cfg, store); err != nil {
		t.Fatal(err)
	}
	if len(store.ProxyKeys) != 0 {
		t.Error("entry without a key value must be skipped")
	}
}
