// SPDX-License-Identifier: Apache-2.0

// Package migrations defines the on-disk Migration document: forward and
// inverse SQL, its hooks, and the checksum that guards against a migration
// being edited after it has already been applied.
package migrations

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Phase is one of the six points in a migration's lifecycle a hook can
// bind to, in the fixed total order they execute in (spec §3,
// HookDescriptor).
type Phase string

const (
	PhaseBeforeValidation Phase = "BEFORE_VALIDATION"
	PhaseBeforeDDL        Phase = "BEFORE_DDL"
	PhaseAfterDDL         Phase = "AFTER_DDL"
	PhaseAfterValidation  Phase = "AFTER_VALIDATION"
	PhaseCleanup          Phase = "CLEANUP"
	PhaseOnError          Phase = "ON_ERROR"
)

// phaseOrder fixes the total order phases run in within a migration,
// independent of the order they appear in the manifest.
var phaseOrder = map[Phase]int{
	PhaseBeforeValidation: 0,
	PhaseBeforeDDL:        1,
	PhaseAfterDDL:         2,
	PhaseAfterValidation:  3,
	PhaseCleanup:          4,
	PhaseOnError:          5,
}

// HookDescriptor is a named side effect bound to one migration phase.
// Within a phase, hooks run in the order declared in the manifest; each
// one runs inside its own savepoint.
type HookDescriptor struct {
	ID     string          `yaml:"id" json:"id"`
	Phase  Phase           `yaml:"phase" json:"phase"`
	Config json.RawMessage `yaml:"config,omitempty" json:"config,omitempty"`

	// TimeoutSeconds shortens the engine's default hook wall-clock
	// budget; a value above the default is capped at the default. Zero
	// means "use the default".
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeoutSeconds,omitempty"`
}

// Migration is a persisted, applied-or-pending unit of change.
type Migration struct {
	ID   uuid.UUID `yaml:"-" json:"id"`
	Slug string    `yaml:"-" json:"slug"`

	ForwardSQL string           `yaml:"up" json:"forwardSql"`
	InverseSQL string           `yaml:"down,omitempty" json:"inverseSql,omitempty"`
	Hooks      []HookDescriptor `yaml:"hooks,omitempty" json:"hooks,omitempty"`

	// AppliedAt/AppliedBy are populated once the ledger records this
	// migration; zero-valued for a migration still on disk only.
	AppliedAt string `yaml:"-" json:"appliedAt,omitempty"`
	AppliedBy string `yaml:"-" json:"appliedBy,omitempty"`
}

// Checksum is the content fingerprint of the forward SQL. Once a
// migration's AppliedAt is set, its forward SQL and this checksum are
// immutable — reapplication with a different checksum is a
// confiturerr.ChecksumMismatch, not silently accepted (spec §3).
func (m *Migration) Checksum() []byte {
	sum := sha256.Sum256([]byte(m.ForwardSQL))
	return sum[:]
}

// HooksInPhase returns this migration's hooks for one phase, in the
// order they were declared in the manifest.
func (m *Migration) HooksInPhase(p Phase) []HookDescriptor {
	var out []HookDescriptor
	for _, h := range m.Hooks {
		if h.Phase == p {
			out = append(out, h)
		}
	}
	return out
}

// OrderedPhases returns the six phases in their fixed execution order.
func OrderedPhases() []Phase {
	return []Phase{
		PhaseBeforeValidation,
		PhaseBeforeDDL,
		PhaseAfterDDL,
		PhaseAfterValidation,
		PhaseCleanup,
		PhaseOnError,
	}
}

// RawMigration is the on-disk YAML shape of a Migration, decoded with a
// custom UnmarshalYAML that accepts either `up`/`down` or
// `forward`/`inverse` keys.
type RawMigration struct {
	Slug       string
	ForwardSQL string
	InverseSQL string
	Hooks      []HookDescriptor
}

// UnmarshalYAML preserves hook declaration order: the default
// yaml-to-struct decode of a sequence field is already order-preserving
// for slices, but this custom decoder exists so that manifests written
// with either `up`/`down` or legacy `forward`/`inverse` keys both load,
// matching the dual-key tolerance in the teacher's own RawMigration
// decoder.
func (r *RawMigration) UnmarshalYAML(value *yaml.Node) error {
	type alias struct {
		Up      string           `yaml:"up"`
		Forward string           `yaml:"forward"`
		Down    string           `yaml:"down"`
		Inverse string           `yaml:"inverse"`
		Hooks   []HookDescriptor `yaml:"hooks"`
	}
	var a alias
	if err := value.Decode(&a); err != nil {
		return fmt.Errorf("decoding migration manifest: %w", err)
	}

	r.ForwardSQL = a.Up
	if r.ForwardSQL == "" {
		r.ForwardSQL = a.Forward
	}
	r.InverseSQL = a.Down
	if r.InverseSQL == "" {
		r.InverseSQL = a.Inverse
	}
	r.Hooks = a.Hooks
	return nil
}

// ToMigration assigns a fresh external ID to a manifest read from disk;
// the slug (derived from the filename by the caller) is carried over
// unchanged.
func (r *RawMigration) ToMigration(slug string) *Migration {
	return &Migration{
		ID:         uuid.New(),
		Slug:       slug,
		ForwardSQL: r.ForwardSQL,
		InverseSQL: r.InverseSQL,
		Hooks:      r.Hooks,
	}
}
