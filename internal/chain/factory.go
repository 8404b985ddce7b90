// Package chain - Adapter construction from configuration.
package chain

import (
	"context"
	"fmt"

	"github.com/unite-defi/resolver/internal/config"
)

// NewAdapter builds the adapter variant for a configured chain entry.
func NewAdapter(ctx context.Context, entry *config.ChainEntry) (Adapter, error) {
	params, ok := config.GetChain(entry.ChainID)
	if !ok {
		return nil, fmt.Errorf("unknown chain: %s", entry.ChainID)
	}

	switch params.Kind {
	case config.ChainKindEVM:
		return NewEVMAdapter(ctx, entry)
	case config.ChainKindMove:
		return NewMoveAdapter(entry)
	case config.ChainKindSoroban:
		return NewSorobanAdapter(entry, SorobanOptions{})
	case config.ChainKindTVM:
		return NewTVMAdapter(entry)
	default:
		return nil, fmt.Errorf("no adapter for chain kind %s", params.Kind)
	}
}

// BuildRegistry constructs adapters for every configured chain.
func BuildRegistry(ctx context.Context, entries map[string]*config.ChainEntry) (*Registry, error) {
	registry := NewRegistry()
	for id, entry := range entries {
		adapter, err := NewAdapter(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", id, err)
		}
		registry.Register(adapter)
	}
	return registry, nil
}
