package server

import (
	"fmt"
	"log/slog"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/config"
)

// Chains holds the identities of the three chains a node hosts.
type Chains struct {
	Registry *chain.Identity
	Relay    *chain.Identity
	Bridge   *chain.Identity
}

// GenerateChains creates fresh identities for every chain.
func GenerateChains() (*Chains, error) {
	return LoadChains(&config.Config{}, slog.New(slog.DiscardHandler))
}

// LoadChains loads chain keys from cfg. Missing keys are generated, which
// gives the chain a new ID on every start; Validate rejects that in production.
func LoadChains(cfg *config.Config, logger *slog.Logger) (*Chains, error) {
	load := func(name, key string) (*chain.Identity, error) {
		if key == "" {
			id, err := chain.GenerateIdentity()
			if err != nil {
				return nil, fmt.Errorf("generate %s chain key: %w", name, err)
			}
			logger.Warn("generated ephemeral chain key", "chain", name, "id", id.ID())
			return id, nil
		}
		id, err := chain.NewIdentity(key)
		if err != nil {
			return nil, fmt.Errorf("%s chain: %w", name, err)
		}
		return id, nil
	}

	var (
		c   Chains
		err error
	)
	if c.Registry, err = load("registry", cfg.RegistryChainKey); err != nil {
		return nil, err
	}
	if c.Relay, err = load("relay", cfg.RelayChainKey); err != nil {
		return nil, err
	}
	if c.Bridge, err = load("bridge", cfg.BridgeChainKey); err != nil {
		return nil, err
	}
	return &c, nil
}
