package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte("orchestration_api: {}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Database.Type != "sqlite" || cfg.Database.TablePrefix != "orch_" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Global.ConnectionTimeout != 30 || cfg.Global.ResponseTimeout != 180 || cfg.Global.MaxProviderRetries != 3 {
		t.Errorf("global = %+v", cfg.Global)
	}
	if cfg.Gemini.DataTimeoutSeconds != 30 || cfg.Gemini.MaxDataIntervalSeconds != 120 {
		t.Errorf("gemini = %+v", cfg.Gemini)
	}
	if !cfg.RequestLogging.Enabled || cfg.RequestLogging.RetentionDays != 30 {
		t.Errorf("request logging = %+v", cfg.RequestLogging)
	}
	if cfg.RequestLogging.Queue.FullStrategy != "drop_oldest" {
		t.Errorf("queue = %+v", cfg.RequestLogging.Queue)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout)
	}
}

func TestParseOverridesAndSeeds(t *testing.T) {
	t.Parallel()
	doc := `
orchestration_api:
  server:
    host: 127.0.0.1
    port: 9090
  database:
    type: mysql
    connection_string: user:pass@tcp(db:3306)/orchd
    table_prefix: gw_
  global:
    max_provider_retries: 5
  groups:
    - id: main
      provider_type: openai
      api_keys: [sk-a, sk-b]
      models: [gpt-4o]
      model_aliases:
        fast: gpt-4o-mini
      balance_policy: least_used
      priority: 10
  proxy_keys:
    - id: team-a
      key: pk-team-a
      group_balance_policy: weighted
      group_weights:
        main: 3
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr() != "127.0.0.1:9090" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Database.Type != "mysql" || cfg.Database.TablePrefix != "gw_" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Global.MaxProviderRetries != 5 {
		t.Errorf("retries = %d", cfg.Global.MaxProviderRetries)
	}
	// Untouched sections keep defaults.
	if cfg.Global.ConnectionTimeout != 30 {
		t.Errorf("connection timeout = %d", cfg.Global.ConnectionTimeout)
	}

	if len(cfg.Groups) != 1 {
		t.Fatalf("groups = %d", len(cfg.Groups))
	}
	g := cfg.Groups[0]
	if g.ID != "main" || !g.IsEnabled() || g.BalancePolicy != "least_used" {
		t.Errorf("group = %+v", g)
	}
	if g.ModelAliases["fast"] != "gpt-4o-mini" {
		t.Errorf("aliases = %v", g.ModelAliases)
	}

	if len(cfg.ProxyKeys) != 1 {
		t.Fatalf("proxy keys = %d", len(cfg.ProxyKeys))
	}
	pk := cfg.ProxyKeys[0]
	if pk.Key != "pk-team-a" || pk.GroupWeights["main"] != 3 {
		t.Errorf("proxy key = %+v", pk)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("ORCHD_TEST_KEY", "sk-from-env")

	cfg, err := Parse([]byte(`
orchestration_api:
  groups:
    - id: g1
      provider_type: openai
      api_keys: ["${ORCHD_TEST_KEY}"]
`))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Groups[0].APIKeys[0]; got != "sk-from-env" {
		t.Errorf("api key = %q", got)
	}
}

func TestExpandEnvLeavesUnknownVars(t *testing.T) {
	t.Parallel()
	got := string(expandEnv([]byte("v: ${ORCHD_DEFINITELY_UNSET_VAR}")))
	if got != "v: ${ORCHD_DEFINITELY_UNSET_VAR}" {
		t.Errorf("expanded = %q", got)
	}
}
