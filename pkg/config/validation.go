package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks cfg against the `validate` struct tags declared on Config
// and its nested types, plus a handful of cross-field rules the tags alone
// cannot express (telemetry requiring an endpoint once enabled, peer
// addresses being unique per node ID).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}

	seen := make(map[int]string, len(cfg.Node.Peers))
	for _, p := range cfg.Node.Peers {
		if p.ID == cfg.Node.Self {
			return fmt.Errorf("node.peers: peer id %d collides with node.self", p.ID)
		}
		if addr, ok := seen[p.ID]; ok {
			return fmt.Errorf("node.peers: duplicate entry for peer id %d (%q and %q)", p.ID, addr, p.Address)
		}
		seen[p.ID] = p.Address
	}

	return nil
}
