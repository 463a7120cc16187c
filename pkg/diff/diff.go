// SPDX-License-Identifier: Apache-2.0

// Package diff compares two schema.States and produces an ordered,
// dependency-safe ChangeSet of the transformations needed to turn one
// into the other.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fraiseql/confiture/pkg/schema"
)

// Risk classifies how disruptive a Change is to apply against a live,
// populated table.
type Risk string

const (
	RiskSafe     Risk = "safe"
	RiskOnline   Risk = "online"
	RiskLocking  Risk = "locking"
	RiskDataLoss Risk = "data-loss"
)

// Kind identifies the variant of a Change.
type Kind string

const (
	CreateTable            Kind = "create_table"
	DropTable              Kind = "drop_table"
	AddColumn              Kind = "add_column"
	DropColumn             Kind = "drop_column"
	AlterColumnType        Kind = "alter_column_type"
	AlterColumnNullability Kind = "alter_column_nullability"
	AddConstraint          Kind = "add_constraint"
	DropConstraint         Kind = "drop_constraint"
	CreateIndex            Kind = "create_index"
	DropIndex              Kind = "drop_index"
	CreateView             Kind = "create_view"
	DropView               Kind = "drop_view"
	CreateFunction         Kind = "create_function"
	DropFunction           Kind = "drop_function"
	CreateSequence         Kind = "create_sequence"
	DropSequence           Kind = "drop_sequence"
	CreateExtension        Kind = "create_extension"
	CreateSchema           Kind = "create_schema"
	CreateTrigger          Kind = "create_trigger"
	DropTrigger            Kind = "drop_trigger"
	AlterComment           Kind = "alter_comment"
)

// Change is one atomic schema-level transformation.
type Change struct {
	Kind Kind
	Key  schema.QualifiedName

	ForwardSQL string
	InverseSQL string // empty when the change is irreversible

	Risk Risk

	// DependsOn names the QualifiedNames that must be applied before
	// this Change, e.g. a table a column is added to, or the table a
	// foreign key references.
	DependsOn []schema.QualifiedName

	EstimatedDurationMS int64
	LockClass           string
}

// ChangeSet is the ordered result of diffing two schema.States.
type ChangeSet struct {
	Changes      []Change
	EstimatedMS  int64
}

// TableStats carries the live sizing data used to estimate duration and
// lock class; callers that can't obtain this (no live target database,
// e.g. diffing two file trees) pass a nil map and the pipeline runs with
// degraded confidence per spec §4.2.
type TableStats struct {
	RowCount  int64
	IndexCount int
}

// Diff compares source against target and returns the ChangeSet needed
// to transform source into target. stats, keyed by schema-qualified
// table name ("schema.table"), may be nil.
func Diff(source, target *schema.State, stats map[string]TableStats) (*ChangeSet, error) {
	var changes []Change

	sourceKeys := indexByIdentity(source)
	targetKeys := indexByIdentity(target)

	for key, tgt := range targetKeys {
		src, existed := sourceKeys[key]
		if !existed {
			changes = append(changes, createChangeFor(tgt)...)
			continue
		}
		if schema.NormalizeDDL(src.DDL) != schema.NormalizeDDL(tgt.DDL) {
			c, err := alterChangeFor(src, tgt)
			if err != nil {
				return nil, err
			}
			changes = append(changes, c...)
		}
	}

	for key, src := range sourceKeys {
		if _, stillPresent := targetKeys[key]; !stillPresent {
			changes = append(changes, dropChangeFor(src)...)
		}
	}

	ordered, err := topoSort(changes)
	if err != nil {
		return nil, err
	}

	applyCostEstimates(ordered, stats)

	var total int64
	for _, c := range ordered {
		total += c.EstimatedDurationMS
	}

	return &ChangeSet{Changes: ordered, EstimatedMS: total}, nil
}

func indexByIdentity(s *schema.State) map[schema.QualifiedName]*schema.Object {
	out := make(map[schema.QualifiedName]*schema.Object)
	for _, o := range s.Objects() {
		out[o.Key()] = o
	}
	return out
}

// rank orders Kinds so that schemas precede tables precede columns
// precede indexes precede constraints precede views, per spec §4.2 step 4.
func rank(k schema.Kind) int {
	switch k {
	case schema.KindSchema:
		return 0
	case schema.KindExtension:
		return 1
	case schema.KindType:
		return 2
	case schema.KindSequence:
		return 3
	case schema.KindTable:
		return 4
	case schema.KindColumn:
		return 5
	case schema.KindIndex:
		return 6
	case schema.KindConstraint:
		return 7
	case schema.KindView, schema.KindMaterializedView:
		return 8
	case schema.KindFunction:
		return 9
	case schema.KindTrigger:
		return 10
	default:
		return 11
	}
}

func createChangeFor(o *schema.Object) []Change {
	kind, inverse := createKindFor(o)
	c := Change{
		Kind:       kind,
		Key:        o.Key(),
		ForwardSQL: o.DDL,
		InverseSQL: inverse,
		Risk:       RiskSafe,
	}
	if o.Parent != "" {
		c.DependsOn = append(c.DependsOn, parentKey(o))
	}
	if o.References != nil {
		c.DependsOn = append(c.DependsOn, schema.QualifiedName{Kind: schema.KindTable, Schema: o.Schema, Name: o.References.Table})
	}
	return []Change{c}
}

func createKindFor(o *schema.Object) (Kind, string) {
	switch o.Kind {
	case schema.KindTable:
		return CreateTable, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", o.Schema, o.Name)
	case schema.KindColumn:
		return AddColumn, fmt.Sprintf("ALTER TABLE %s.%s DROP COLUMN %s", o.Schema, o.Parent, o.Name)
	case schema.KindIndex:
		return CreateIndex, fmt.Sprintf("DROP INDEX IF EXISTS %s.%s", o.Schema, o.Name)
	case schema.KindConstraint:
		return AddConstraint, fmt.Sprintf("ALTER TABLE %s.%s DROP CONSTRAINT %s", o.Schema, o.Parent, o.Name)
	case schema.KindView:
		return CreateView, fmt.Sprintf("DROP VIEW IF EXISTS %s.%s", o.Schema, o.Name)
	case schema.KindMaterializedView:
		return CreateView, fmt.Sprintf("DROP MATERIALIZED VIEW IF EXISTS %s.%s", o.Schema, o.Name)
	case schema.KindFunction:
		return CreateFunction, "" // overload signature required to drop safely; left to the author
	case schema.KindSequence:
		return CreateSequence, fmt.Sprintf("DROP SEQUENCE IF EXISTS %s.%s", o.Schema, o.Name)
	case schema.KindExtension:
		return CreateExtension, fmt.Sprintf("DROP EXTENSION IF EXISTS %s", o.Name)
	case schema.KindSchema:
		return CreateSchema, fmt.Sprintf("DROP SCHEMA IF EXISTS %s", o.Name)
	case schema.KindTrigger:
		return CreateTrigger, fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s.%s", o.Name, o.Schema, o.Parent)
	default:
		return AlterComment, ""
	}
}

func dropChangeFor(o *schema.Object) []Change {
	kind, forward := dropKindFor(o)
	c := Change{
		Kind:       kind,
		Key:        o.Key(),
		ForwardSQL: forward,
		InverseSQL: o.DDL,
		Risk:       dropRisk(o),
	}
	if o.Parent != "" {
		c.DependsOn = nil // drops of children don't wait on their parent drop
	}
	return []Change{c}
}

func dropKindFor(o *schema.Object) (Kind, string) {
	switch o.Kind {
	case schema.KindTable:
		return DropTable, fmt.Sprintf("DROP TABLE %s.%s", o.Schema, o.Name)
	case schema.KindColumn:
		return DropColumn, fmt.Sprintf("ALTER TABLE %s.%s DROP COLUMN %s", o.Schema, o.Parent, o.Name)
	case schema.KindIndex:
		return DropIndex, fmt.Sprintf("DROP INDEX %s.%s", o.Schema, o.Name)
	case schema.KindConstraint:
		return DropConstraint, fmt.Sprintf("ALTER TABLE %s.%s DROP CONSTRAINT %s", o.Schema, o.Parent, o.Name)
	case schema.KindView:
		return DropView, fmt.Sprintf("DROP VIEW %s.%s", o.Schema, o.Name)
	case schema.KindMaterializedView:
		return DropView, fmt.Sprintf("DROP MATERIALIZED VIEW %s.%s", o.Schema, o.Name)
	case schema.KindTrigger:
		return DropTrigger, fmt.Sprintf("DROP TRIGGER %s ON %s.%s", o.Name, o.Schema, o.Parent)
	case schema.KindSequence:
		return DropSequence, fmt.Sprintf("DROP SEQUENCE %s.%s", o.Schema, o.Name)
	default:
		return AlterComment, ""
	}
}

func dropRisk(o *schema.Object) Risk {
	switch o.Kind {
	case schema.KindTable, schema.KindColumn:
		return RiskDataLoss
	case schema.KindConstraint:
		return RiskLocking
	default:
		return RiskSafe
	}
}

func alterChangeFor(src, tgt *schema.Object) ([]Change, error) {
	switch tgt.Kind {
	case schema.KindColumn:
		var changes []Change
		if src.ColumnType != tgt.ColumnType {
			changes = append(changes, Change{
				Kind:       AlterColumnType,
				Key:        tgt.Key(),
				ForwardSQL: fmt.Sprintf("ALTER TABLE %s.%s ALTER COLUMN %s TYPE %s", tgt.Schema, tgt.Parent, tgt.Name, tgt.ColumnType),
				InverseSQL: fmt.Sprintf("ALTER TABLE %s.%s ALTER COLUMN %s TYPE %s", src.Schema, src.Parent, src.Name, src.ColumnType),
				Risk:       alterTypeRisk(src, tgt),
				DependsOn:  []schema.QualifiedName{parentKey(tgt)},
			})
		}
		if src.ColumnNullable != tgt.ColumnNullable {
			forward := fmt.Sprintf("ALTER TABLE %s.%s ALTER COLUMN %s SET NOT NULL", tgt.Schema, tgt.Parent, tgt.Name)
			inverse := fmt.Sprintf("ALTER TABLE %s.%s ALTER COLUMN %s DROP NOT NULL", tgt.Schema, tgt.Parent, tgt.Name)
			risk := RiskLocking
			if tgt.ColumnNullable {
				forward, inverse = inverse, forward
				risk = RiskSafe
			}
			changes = append(changes, Change{
				Kind:       AlterColumnNullability,
				Key:        tgt.Key(),
				ForwardSQL: forward,
				InverseSQL: inverse,
				Risk:       risk,
				DependsOn:  []schema.QualifiedName{parentKey(tgt)},
			})
		}
		return changes, nil

	case schema.KindFunction, schema.KindView, schema.KindTrigger:
		return []Change{{
			Kind:       CreateFunction,
			Key:        tgt.Key(),
			ForwardSQL: tgt.DDL,
			InverseSQL: src.DDL,
			Risk:       RiskSafe,
		}}, nil

	default:
		return []Change{{
			Kind:       AlterComment,
			Key:        tgt.Key(),
			ForwardSQL: tgt.DDL,
			InverseSQL: src.DDL,
			Risk:       RiskSafe,
		}}, nil
	}
}

// widensTo pairs a source base type with the target base types Postgres
// can widen into with a metadata-only cast (no table rewrite, per
// src/backend/commands/tablecmds.c's ATColumnChangeRequiresRewrite
// allowances for integer and numeric promotions).
var widensTo = map[string][]string{
	"smallint": {"integer", "bigint", "numeric", "real", "double precision"},
	"integer":  {"bigint", "numeric", "real", "double precision"},
	"bigint":   {"numeric"},
	"real":     {"double precision"},
}

// alterTypeRisk classifies a column type change per spec §4.2 step 5: a
// same-base change (e.g. a length/precision change) is a locking
// ALTER ... TYPE rewrite; a cross-base change Postgres can widen without
// rewriting the table is locking too, since it still takes ACCESS
// EXCLUSIVE, just cheaply. Anything else, a narrowing numeric change or
// two otherwise unrelated types, cannot be proven loss-free, so it is
// classified data-loss.
func alterTypeRisk(src, tgt *schema.Object) Risk {
	srcBase := strings.TrimSpace(strings.SplitN(src.ColumnType, "(", 2)[0])
	tgtBase := strings.TrimSpace(strings.SplitN(tgt.ColumnType, "(", 2)[0])

	if srcBase == tgtBase {
		return RiskLocking
	}
	for _, w := range widensTo[srcBase] {
		if w == tgtBase {
			return RiskLocking
		}
	}
	return RiskDataLoss
}

func parentKey(o *schema.Object) schema.QualifiedName {
	return schema.QualifiedName{Kind: schema.KindTable, Schema: o.Schema, Name: o.Parent}
}

// topoSort orders changes so that no Change precedes one it depends on,
// using Kahn's algorithm; Changes of the same rank and no dependency
// relationship keep a stable, deterministic order by (kind, schema,
// name, parent) so that identical inputs always produce identical
// ChangeSets.
func topoSort(changes []Change) ([]Change, error) {
	byKey := make(map[schema.QualifiedName][]int)
	for i, c := range changes {
		byKey[c.Key] = append(byKey[c.Key], i)
	}

	indegree := make([]int, len(changes))
	edges := make([][]int, len(changes))
	for i, c := range changes {
		for _, dep := range c.DependsOn {
			for _, j := range byKey[dep] {
				if j == i {
					continue
				}
				edges[j] = append(edges[j], i)
				indegree[i]++
			}
		}
	}

	order := stableOrder(changes)

	var result []Change
	visited := make([]bool, len(changes))
	for len(result) < len(changes) {
		progressed := false
		for _, i := range order {
			if visited[i] || indegree[i] > 0 {
				continue
			}
			visited[i] = true
			result = append(result, changes[i])
			for _, j := range edges[i] {
				indegree[j]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle detected among %d changes", len(changes)-len(result))
		}
	}

	return result, nil
}

// stableOrder returns indices sorted by (rank, kind, schema, name,
// parent), drops before creates when names collide.
func stableOrder(changes []Change) []int {
	idx := make([]int, len(changes))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ca, cb := changes[idx[a]], changes[idx[b]]
		ra, rb := rank(ca.Key.Kind), rank(cb.Key.Kind)
		if ra != rb {
			return ra < rb
		}
		if isDrop(ca.Kind) != isDrop(cb.Kind) {
			return isDrop(ca.Kind)
		}
		if ca.Key.Schema != cb.Key.Schema {
			return ca.Key.Schema < cb.Key.Schema
		}
		if ca.Key.Name != cb.Key.Name {
			return ca.Key.Name < cb.Key.Name
		}
		return ca.Key.Parent < cb.Key.Parent
	})
	return idx
}

func isDrop(k Kind) bool {
	switch k {
	case DropTable, DropColumn, DropConstraint, DropIndex, DropView, DropTrigger, DropFunction, DropSequence:
		return true
	default:
		return false
	}
}

func applyCostEstimates(changes []Change, stats map[string]TableStats) {
	for i := range changes {
		c := &changes[i]
		tableKey := c.Key.Schema + "." + c.Key.Parent
		if c.Key.Kind == schema.KindTable {
			tableKey = c.Key.Schema + "." + c.Key.Name
		}

		st, ok := stats[tableKey]
		switch {
		case !ok:
			// No live sizing data: run with degraded confidence, per
			// spec §4.2 step 6 — a conservative flat estimate rather
			// than zero, so the safety pipeline doesn't under-price it.
			c.EstimatedDurationMS = 1000
			c.LockClass = "unknown"
		case c.Risk == RiskLocking || c.Risk == RiskDataLoss:
			c.EstimatedDurationMS = st.RowCount/1000 + int64(st.IndexCount)*50 + 10
			c.LockClass = "access_exclusive"
		case c.Risk == RiskOnline:
			c.EstimatedDurationMS = st.RowCount/5000 + 10
			c.LockClass = "share_update_exclusive"
		default:
			c.EstimatedDurationMS = 5
			c.LockClass = "none"
		}
	}
}
