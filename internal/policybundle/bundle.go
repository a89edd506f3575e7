// Package policybundle loads, verifies, and hot-reloads signed policy
// bundles, and resolves which bundle version applies to a given tenant
// under a staged canary rollout.
package policybundle

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/toolgate/toolgate/internal/policy"
)

// BundleYAML is the on-disk shape of a policy bundle.
type BundleYAML struct {
	Version  string             `yaml:"version"`
	Defaults struct {
		Decision string `yaml:"decision"`
	} `yaml:"defaults"`
	Rules []policy.RuleSource `yaml:"rules"`
}

// LoadYAML reads and compiles a bundle from raw YAML bytes. It does not
// check the signature — callers that require signed bundles must call
// VerifySignature first and reject on failure before compiling.
func LoadYAML(data []byte) (*policy.CompiledBundle, error) {
	var raw BundleYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed bundle YAML: %w", err)
	}
	if raw.Version == "" {
		return nil, fmt.Errorf("bundle missing version")
	}
	return policy.CompileBundle(raw.Version, raw.Defaults.Decision, raw.Rules)
}

// LoadFile reads a bundle YAML file from disk and compiles it, without
// signature verification (see Store.LoadVersion for the verified path).
func LoadFile(path string) (*policy.CompiledBundle, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read bundle %s: %w", path, err)
	}
	b, err := LoadYAML(data)
	if err != nil {
		return nil, nil, err
	}
	return b, data, nil
}
