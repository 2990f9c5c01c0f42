// Package provider selects the inference backend from configuration.
package provider

import (
	"fmt"

	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/kiranshivaraju/relaize/internal/inference/bridge"
	"github.com/kiranshivaraju/relaize/internal/inference/reference"
)

// NewLoader constructs the backend selected by cfg.Provider.
// Called once at startup.
func NewLoader(cfg config.InferenceConfig) (inference.Loader, error) {
	switch cfg.Provider {
	case config.InferenceProviderBridge:
		return bridge.NewLoader(cfg)
	case config.InferenceProviderReference:
		return reference.NewLoader(cfg), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q: must be one of bridge, reference", cfg.Provider)
	}
}
