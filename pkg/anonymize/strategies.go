// SPDX-License-Identifier: Apache-2.0

package anonymize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Strategy is a row-value transformer. Its output must be a pure
// function of (input, seed, row-context); for Hash, the same (input,
// seed) pair always produces the same output, which is what gives
// foreign-key-consistent anonymisation across tables (spec §3).
type Strategy interface {
	Transform(value string, seed string, row map[string]any) (string, error)
}

// Registry maps a StrategyName to the Strategy instance that implements it.
type Registry struct {
	strategies map[StrategyName]Strategy
}

// NewRegistry returns a Registry with all built-in strategies wired in.
func NewRegistry() *Registry {
	return &Registry{strategies: map[StrategyName]Strategy{
		StrategyHash:        hashStrategy{},
		StrategyEmailMask:   emailMaskStrategy{},
		StrategyPhoneMask:   phoneMaskStrategy{},
		StrategyPatternMask: patternMaskStrategy{},
		StrategyRedact:      redactStrategy{},
		StrategyNone:        noneStrategy{},
	}}
}

// Lookup returns the Strategy for name, or an error if it isn't
// registered — reachable only for StrategyConditional, which is
// resolved dynamically by Transform below since its effective strategy
// depends on the row.
func (r *Registry) Lookup(name StrategyName) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for %q", name)
	}
	return s, nil
}

// Transform applies rule's strategy to value, resolving StrategyConditional
// against row using rule.Condition/Then/Else.
func (r *Registry) Transform(rule Rule, value, seed string, row map[string]any) (string, error) {
	name := rule.Strategy
	if name == StrategyConditional {
		name = rule.Then
		if !evalCondition(rule.Condition, row) {
			name = rule.Else
		}
	}

	if name == StrategyPatternMask {
		return patternMaskStrategy{pattern: rule.Pattern}.Transform(value, seed, row)
	}

	strategy, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	return strategy.Transform(value, seed, row)
}

// evalCondition supports the one condition shape spec §4.6's worked
// examples need: "<column> IS NULL" / "<column> IS NOT NULL". Richer
// expressions are intentionally out of scope here.
func evalCondition(cond string, row map[string]any) bool {
	cond = strings.TrimSpace(cond)
	switch {
	case strings.HasSuffix(cond, "IS NOT NULL"):
		col := strings.TrimSpace(strings.TrimSuffix(cond, "IS NOT NULL"))
		return row[col] != nil
	case strings.HasSuffix(cond, "IS NULL"):
		col := strings.TrimSpace(strings.TrimSuffix(cond, "IS NULL"))
		return row[col] == nil
	default:
		return false
	}
}

// hashStrategy is the deterministic-hash strategy: HMAC-SHA-256 keyed by
// the resolved seed. Same (input, seed) always yields the same output.
type hashStrategy struct{}

func (hashStrategy) Transform(value, seed string, _ map[string]any) (string, error) {
	mac := hmac.New(sha256.New, []byte(seed))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

type emailMaskStrategy struct{}

var emailRe = regexp.MustCompile(`^([^@]+)(@.+)$`)

func (emailMaskStrategy) Transform(value, _ string, _ map[string]any) (string, error) {
	m := emailRe.FindStringSubmatch(value)
	if m == nil {
		return "****", nil
	}
	local := m[1]
	masked := local
	if len(local) > 1 {
		masked = local[:1] + strings.Repeat("*", len(local)-1)
	}
	return masked + m[2], nil
}

type phoneMaskStrategy struct{}

func (phoneMaskStrategy) Transform(value, _ string, _ map[string]any) (string, error) {
	digits := 0
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return strings.Repeat("*", len(value)), nil
	}
	keep := 4
	out := []rune(value)
	seen := 0
	for i := len(out) - 1; i >= 0 && seen < keep; i-- {
		if out[i] >= '0' && out[i] <= '9' {
			seen++
		}
	}
	masked := make([]rune, len(out))
	copy(masked, out)
	seen = 0
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < '0' || out[i] > '9' {
			continue
		}
		if seen >= keep {
			masked[i] = '*'
		}
		seen++
	}
	return string(masked), nil
}

// patternMaskStrategy replaces every character matched by pattern's
// capture group 1 with '*'; if pattern doesn't compile or has no
// capture group, the whole value is masked.
type patternMaskStrategy struct {
	pattern string
}

func (p patternMaskStrategy) Transform(value, _ string, _ map[string]any) (string, error) {
	re, err := regexp.Compile(p.pattern)
	if err != nil || re.NumSubexp() == 0 {
		return strings.Repeat("*", len(value)), nil
	}
	loc := re.FindStringSubmatchIndex(value)
	if loc == nil || len(loc) < 4 {
		return value, nil
	}
	start, end := loc[2], loc[3]
	return value[:start] + strings.Repeat("*", end-start) + value[end:], nil
}

type redactStrategy struct{}

func (redactStrategy) Transform(_, _ string, _ map[string]any) (string, error) {
	return "[REDACTED]", nil
}

type noneStrategy struct{}

func (noneStrategy) Transform(value, _ string, _ map[string]any) (string, error) {
	return value, nil
}
