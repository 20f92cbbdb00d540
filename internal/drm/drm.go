package drm

import (
	"context"

	"github.com/italolelis/offline_vault/internal/content"
)

// Capability describes what the platform CDM offers for one key system.
type Capability struct {
	PersistentState bool
}

// Oracle probes platform DRM capability. It is an injected collaborator so
// tests can simulate platforms with and without persistent-state support.
type Oracle interface {
	ProbeSupport(ctx context.Context) (map[string]Capability, error)
}

// StaticOracle answers capability probes from a fixed table, typically built
// from configuration at startup.
type StaticOracle struct {
	capabilities map[string]Capability
}

// NewStaticOracle builds an oracle from a key system -> persistent-state map.
func NewStaticOracle(persistentByKeySystem map[string]bool) *StaticOracle {
	caps := make(map[string]Capability, len(persistentByKeySystem))
	for ks, persistent := range persistentByKeySystem {
		caps[ks] = Capability{PersistentState: persistent}
	}

	return &StaticOracle{capabilities: caps}
}

func (o *StaticOracle) ProbeSupport(_ context.Context) (map[string]Capability, error) {
	return o.capabilities, nil
}

// Client talks to the license server.
type Client interface {
	Request(ctx context.Context, keySystem string, initData []byte, persistent bool) (*content.License, error)
	Release(ctx context.Context, sessionKey string) error
}
