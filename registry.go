package main

import (
	"context"
	"strings"
)

// ProviderRegistry is the durable table of known account ids and aliases,
// backed by RelStore. It self-heals from historical usage rows when empty,
// so a fresh deploy against a populated audit store doesn't start from an
// empty pool.
type ProviderRegistry struct {
	store *RelStore
}

func NewProviderRegistry(store *RelStore) *ProviderRegistry {
	return &ProviderRegistry{store: store}
}

// RegistryEntry is one known account id plus its admin-assigned alias.
type RegistryEntry struct {
	ID    string
	Alias string
}

// List returns every known provider id. If the table is empty, it self-heals
// by bootstrapping ids out of usage_stats and persisting them.
func (r *ProviderRegistry) List(ctx context.Context) ([]RegistryEntry, error) {
	rows, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		out := make([]RegistryEntry, 0, len(rows))
		for _, row := range rows {
			out = append(out, RegistryEntry{ID: row.ID, Alias: row.Alias})
		}
		return out, nil
	}

	ids, err := r.store.DistinctUsageProviderIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RegistryEntry, 0, len(ids))
	for _, id := range ids {
		if err := r.store.UpsertProvider(ctx, id, ""); err != nil {
			return nil, err
		}
		out = append(out, RegistryEntry{ID: id})
	}
	return out, nil
}

// SetAlias renames (or clears, with alias="") the alias for id.
func (r *ProviderRegistry) SetAlias(ctx context.Context, id, alias string) error {
	return r.store.UpsertProvider(ctx, id, alias)
}

// Ensure registers id if it is not already known, preserving any existing alias.
func (r *ProviderRegistry) Ensure(ctx context.Context, id string) error {
	rows, err := r.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.ID == id {
			return nil
		}
	}
	return r.store.UpsertProvider(ctx, id, "")
}

func (r *ProviderRegistry) Remove(ctx context.Context, id string) error {
	return r.store.DeleteProvider(ctx, id)
}

// canonicalID strips a legacy "./" prefix some older credential dumps carry.
func canonicalID(id string) string {
	return strings.TrimPrefix(id, "./")
}
