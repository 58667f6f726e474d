package config

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/storage"
)

// Bootstrap seeds groups and proxy keys from the config file on first run.
// Entries whose ID (or key value) already exists in the store are skipped,
// so edits made through the store survive restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, entry := range cfg.Groups {
		if entry.ID == "" {
			slog.Warn("skipping group seed without id", "provider_type", entry.ProviderType)
			continue
		}
		if existing, _ := store.GetGroup(ctx, entry.ID); existing != nil {
			continue
		}
		keys := make([]string, 0, len(entry.APIKeys))
		for _, k := range entry.APIKeys {
			if k == "" {
				slog.Warn("skipping empty api key in group seed", "group", entry.ID)
				continue
			}
			keys = append(keys, k)
		}
		g := &gateway.GroupConfig{
			ID:                 entry.ID,
			ProviderType:       entry.ProviderType,
			BaseURL:            entry.BaseURL,
			APIKeys:            keys,
			Models:             entry.Models,
			ModelAliases:       entry.ModelAliases,
			ParameterOverrides: entry.ParameterOverrides,
			Headers:            entry.Headers,
			BalancePolicy:      entry.BalancePolicy,
			RetryCount:         entry.RetryCount,
			Timeout:            entry.Timeout,
			RPMLimit:           entry.RPMLimit,
			TestModel:          entry.TestModel,
			Priority:           entry.Priority,
			Enabled:            entry.IsEnabled(),
			FakeStreaming:      entry.FakeStreaming,
			ProxyURL:           entry.ProxyURL,
		}
		if err := store.CreateGroup(ctx, g); err != nil {
			return err
		}
		slog.Info("bootstrapped group", "id", g.ID, "provider_type", g.ProviderType)
	}

	for _, entry := range cfg.ProxyKeys {
		if entry.Key == "" {
			continue
		}
		if existing, _ := store.GetProxyKeyByValue(ctx, entry.Key); existing != nil {
			continue
		}
		id := entry.ID
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		pk := &gateway.ProxyKey{
			ID:                 id,
			KeyValue:           entry.Key,
			Name:               entry.Name,
			Description:        entry.Description,
			Enabled:            entry.IsEnabled(),
			RPMLimit:           entry.RPMLimit,
			AllowedGroups:      entry.AllowedGroups,
			GroupBalancePolicy: entry.GroupBalancePolicy,
			GroupWeights:       entry.GroupWeights,
		}
		if err := store.CreateProxyKey(ctx, pk); err != nil {
			return err
		}
		slog.Info("bootstrapped proxy key", "id", pk.ID, "name", pk.Name)
	}

	return nil
}
