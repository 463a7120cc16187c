// SPDX-License-Identifier: Apache-2.0

// Package anonymize implements the production-data sync pipeline: a
// policy loader, a strategy registry, and a streaming transformer that
// copies a source table into a target with every configured column
// rewritten.
package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// StrategyName is one of the whitelisted transformation strategies; any
// directive outside this set fails the policy loader (spec §4.6).
type StrategyName string

const (
	StrategyHash         StrategyName = "hash"
	StrategyEmailMask    StrategyName = "email_mask"
	StrategyPhoneMask    StrategyName = "phone_mask"
	StrategyPatternMask  StrategyName = "pattern_mask"
	StrategyRedact       StrategyName = "redact"
	StrategyConditional  StrategyName = "conditional"
	StrategyNone         StrategyName = "none"
)

// Rule binds one table/column pair to a strategy.
type Rule struct {
	Table        string       `json:"table" yaml:"table"`
	Column       string       `json:"column" yaml:"column"`
	Strategy     StrategyName `json:"strategy" yaml:"strategy"`
	SeedOverride string       `json:"seedOverride,omitempty" yaml:"seed_override,omitempty"`
	Pattern      string       `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Condition    string       `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then         StrategyName `json:"then,omitempty" yaml:"then,omitempty"`
	Else         StrategyName `json:"else,omitempty" yaml:"else,omitempty"`
}

// Policy is the declarative transformation plan (spec §3,
// AnonymisationPolicy).
type Policy struct {
	GlobalSeedEnv string `json:"globalSeedEnv" yaml:"global_seed_env"`
	Rules         []Rule `json:"rules" yaml:"rules"`

	// raw is the canonical serialisation IntegrityHash is computed over.
	raw []byte
}

// IntegrityHash is the SHA-256 of the policy's canonical serialisation.
// Recorded in every audit entry produced while this policy is active
// (spec §3).
func (p *Policy) IntegrityHash() string {
	sum := sha256.Sum256(p.raw)
	return hex.EncodeToString(sum[:])
}

// LoadPolicy reads, schema-validates, and parses the YAML policy file at
// path. schemaPath points at the JSON Schema document describing a valid
// policy; strategy names outside the StrategyName whitelist fail
// validation before they ever reach the registry.
func LoadPolicy(path, schemaPath string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-encoding policy as canonical JSON: %w", err)
	}

	if err := validateAgainstSchema(canonical, schemaPath); err != nil {
		return nil, fmt.Errorf("policy failed schema validation: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding policy: %w", err)
	}
	p.raw = canonical

	for _, r := range p.Rules {
		if !isWhitelisted(r.Strategy) {
			return nil, fmt.Errorf("rule %s.%s: strategy %q is not in the whitelist", r.Table, r.Column, r.Strategy)
		}
	}

	return &p, nil
}

func isWhitelisted(s StrategyName) bool {
	switch s {
	case StrategyHash, StrategyEmailMask, StrategyPhoneMask, StrategyPatternMask, StrategyRedact, StrategyConditional, StrategyNone:
		return true
	default:
		return false
	}
}

func validateAgainstSchema(doc []byte, schemaPath string) error {
	compiler := jsonschema.NewCompiler()
	sch, err := compiler.Compile(schemaPath)
	if err != nil {
		return fmt.Errorf("compiling policy schema: %w", err)
	}

	var v interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		return err
	}

	return sch.Validate(v)
}

// ResolveSeed resolves a rule's seed with precedence
// column-specific > global > error, reading from process environment
// variables (spec §4.6); the resolved value is never logged.
func ResolveSeed(p *Policy, r Rule) (string, error) {
	name := r.SeedOverride
	if name == "" {
		name = p.GlobalSeedEnv
	}
	if name == "" {
		return "", fmt.Errorf("rule %s.%s: no seed environment variable configured", r.Table, r.Column)
	}
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("rule %s.%s: seed environment variable %q is not set", r.Table, r.Column, name)
	}
	return val, nil
}
