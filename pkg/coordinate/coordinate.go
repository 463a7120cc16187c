// SPDX-License-Identifier: Apache-2.0

// Package coordinate implements the Coordination Registry (spec §4.8):
// a durable store of Intent records, conflict detection between
// concurrently-registered intents, and lifecycle transitions.
package coordinate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/db"
)

const sqlInit = `
CREATE TABLE IF NOT EXISTS %[1]s.tb_intent (
	id               UUID PRIMARY KEY,
	agent            TEXT NOT NULL,
	branch           TEXT NOT NULL,
	objects          JSONB NOT NULL,
	operation_class  TEXT NOT NULL,
	state            TEXT NOT NULL DEFAULT 'REGISTERED',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_touched_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const registryLockKey int64 = 0x636f6e666974 + 2

// OperationClass is one of the five classes participating in the
// commutation table below.
type OperationClass string

const (
	OpAddColumn     OperationClass = "add_column"
	OpDropColumn    OperationClass = "drop_column"
	OpAlterColumn   OperationClass = "alter_column"
	OpAddConstraint OperationClass = "add_constraint"
	OpRead          OperationClass = "read"
)

// State is an Intent's lifecycle state.
type State string

const (
	StateRegistered State = "REGISTERED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateAbandoned  State = "ABANDONED"
)

// ObjectRef names one schema/table/column triple an intent touches.
// Column may be empty when the intent is table-scoped.
type ObjectRef struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
}

func (o ObjectRef) key() string {
	return o.Schema + "." + o.Table + "." + o.Column
}

// Intent is a declared upcoming schema change.
type Intent struct {
	ID             uuid.UUID
	Agent          string
	Branch         string
	Objects        []ObjectRef
	OperationClass OperationClass
	State          State
	CreatedAt      time.Time
	LastTouchedAt  time.Time
}

func isLive(s State) bool { return s == StateRegistered || s == StateInProgress }

// commutes reports whether operation classes a and b may proceed
// concurrently over an intersecting object set — the commutation table
// of spec §4.8. sameColumn distinguishes the one cell that depends on
// more than the class pair: two add_column intents over the very same
// column name.
func commutes(a, b OperationClass, sameColumn bool) bool {
	if a == OpDropColumn || b == OpDropColumn {
		return false
	}
	switch {
	case a == OpAddColumn && b == OpAddColumn:
		return !sameColumn
	case a == OpAddColumn && b == OpAddConstraint, a == OpAddConstraint && b == OpAddColumn:
		return true
	case a == OpAddColumn && b == OpRead, a == OpRead && b == OpAddColumn:
		return true
	case a == OpAlterColumn && b == OpRead, a == OpRead && b == OpAlterColumn:
		return true
	case a == OpAddConstraint && b == OpAddConstraint:
		return true
	case a == OpAddConstraint && b == OpRead, a == OpRead && b == OpAddConstraint:
		return true
	case a == OpRead && b == OpRead:
		return true
	default:
		return false
	}
}

// Granularity fixes, once at Registry construction, whether conflict
// detection treats two intents touching the same table as overlapping
// regardless of which columns they name (GranularityTable) or only
// when they share a named column or leave it unspecified
// (GranularityColumn). A registry never mixes the two.
type Granularity string

const (
	GranularityTable  Granularity = "table"
	GranularityColumn Granularity = "column"
)

// Registry is the coordination store for one schema.
type Registry struct {
	conn        db.DB
	schema      string
	granularity Granularity
}

// RegistryOption configures a Registry at construction.
type RegistryOption func(*Registry)

// WithGranularity overrides the default GranularityColumn.
func WithGranularity(g Granularity) RegistryOption {
	return func(r *Registry) { r.granularity = g }
}

// New returns a Registry backed by conn, column-granularity conflict
// detection unless overridden by WithGranularity.
func New(conn db.DB, schemaName string, opts ...RegistryOption) *Registry {
	r := &Registry{conn: conn, schema: schemaName, granularity: GranularityColumn}
	for _, o := range opts {
		o(r)
	}
	return r
}

// EnsureSchema creates the intent table if it does not already exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf(sqlInit, pq.QuoteIdentifier(r.schema)))
	return err
}

// Register creates a new intent in REGISTERED state and runs a conflict
// check against all other live intents. The intent is recorded
// regardless of conflicts; the caller decides how to react to the
// returned conflict set (spec §4.8).
func (r *Registry) Register(ctx context.Context, agent, branch string, objects []ObjectRef, class OperationClass) (*Intent, []confiturerr.Conflict, error) {
	var intent Intent
	var conflicts []confiturerr.Conflict

	err := r.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", registryLockKey); err != nil {
			return err
		}

		live, err := r.liveIntents(ctx, tx)
		if err != nil {
			return err
		}

		intent = Intent{
			ID:             uuid.New(),
			Agent:          agent,
			Branch:         branch,
			Objects:        objects,
			OperationClass: class,
			State:          StateRegistered,
		}
		conflicts = r.detectConflicts(intent, live)

		objJSON, err := json.Marshal(objects)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			`INSERT INTO %s.tb_intent (id, agent, branch, objects, operation_class)
			 VALUES ($1, $2, $3, $4, $5) RETURNING created_at, last_touched_at`,
			pq.QuoteIdentifier(r.schema)),
			intent.ID, agent, branch, objJSON, class)
		return row.Scan(&intent.CreatedAt, &intent.LastTouchedAt)
	})
	if err != nil {
		return nil, nil, err
	}
	return &intent, conflicts, nil
}

// Check is a non-destructive conflict probe: it does not record
// anything, it only reports what Register would find.
func (r *Registry) Check(ctx context.Context, objects []ObjectRef, class OperationClass) ([]confiturerr.Conflict, error) {
	live, err := r.list(ctx, nil)
	if err != nil {
		return nil, err
	}
	probe := Intent{ID: uuid.Nil, Objects: objects, OperationClass: class}
	return r.detectConflicts(probe, live), nil
}

// Transition moves an intent to newState, enforcing the legal-transition
// graph REGISTERED -> IN_PROGRESS -> COMPLETED, and REGISTERED|IN_PROGRESS -> ABANDONED.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, newState State) error {
	return r.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var current State
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT state FROM %s.tb_intent WHERE id=$1 FOR UPDATE`, pq.QuoteIdentifier(r.schema)), id)
		if err := row.Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("no intent found with id %s", id)
			}
			return err
		}

		if !legalTransition(current, newState) {
			return fmt.Errorf("illegal transition %s -> %s", current, newState)
		}

		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s.tb_intent SET state=$1, last_touched_at=now() WHERE id=$2`,
			pq.QuoteIdentifier(r.schema)), newState, id)
		return err
	})
}

func legalTransition(from, to State) bool {
	switch from {
	case StateRegistered:
		return to == StateInProgress || to == StateAbandoned
	case StateInProgress:
		return to == StateCompleted || to == StateAbandoned
	default:
		return false
	}
}

// Filter narrows List's results. Zero values mean "no filter" on that field.
type Filter struct {
	Agent string
	State State
}

// List returns intents matching filter, most recently touched first.
func (r *Registry) List(ctx context.Context, filter Filter) ([]Intent, error) {
	return r.list(ctx, &filter)
}

func (r *Registry) list(ctx context.Context, filter *Filter) ([]Intent, error) {
	query := fmt.Sprintf(`SELECT id, agent, branch, objects, operation_class, state, created_at, last_touched_at FROM %s.tb_intent`, pq.QuoteIdentifier(r.schema))
	var args []any
	var where []string
	if filter != nil {
		if filter.Agent != "" {
			where = append(where, fmt.Sprintf("agent = $%d", len(args)+1))
			args = append(args, filter.Agent)
		}
		if filter.State != "" {
			where = append(where, fmt.Sprintf("state = $%d", len(args)+1))
			args = append(args, filter.State)
		}
	}
	if len(where) > 0 {
		query += " WHERE " + where[0]
		for _, w := range where[1:] {
			query += " AND " + w
		}
	}
	query += " ORDER BY last_touched_at DESC"

	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		var in Intent
		var objJSON []byte
		var state string
		if err := rows.Scan(&in.ID, &in.Agent, &in.Branch, &objJSON, &in.OperationClass, &state, &in.CreatedAt, &in.LastTouchedAt); err != nil {
			return nil, err
		}
		in.State = State(state)
		if err := json.Unmarshal(objJSON, &in.Objects); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *Registry) liveIntents(ctx context.Context, tx *sql.Tx) ([]Intent, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, agent, branch, objects, operation_class, state, created_at, last_touched_at
		 FROM %s.tb_intent WHERE state IN ('REGISTERED','IN_PROGRESS')`,
		pq.QuoteIdentifier(r.schema)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		var in Intent
		var objJSON []byte
		var state string
		if err := rows.Scan(&in.ID, &in.Agent, &in.Branch, &objJSON, &in.OperationClass, &state, &in.CreatedAt, &in.LastTouchedAt); err != nil {
			return nil, err
		}
		in.State = State(state)
		if err := json.Unmarshal(objJSON, &in.Objects); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Conflicts returns every conflicting pair among currently live intents.
func (r *Registry) Conflicts(ctx context.Context) ([]confiturerr.Conflict, error) {
	live, err := r.list(ctx, &Filter{})
	if err != nil {
		return nil, err
	}
	var all []confiturerr.Conflict
	for i, a := range live {
		if !isLive(a.State) {
			continue
		}
		others := append(append([]Intent{}, live[:i]...), live[i+1:]...)
		all = append(all, r.detectConflicts(a, others)...)
	}
	return dedupeConflicts(all), nil
}

func (r *Registry) detectConflicts(a Intent, live []Intent) []confiturerr.Conflict {
	var conflicts []confiturerr.Conflict
	for _, b := range live {
		if b.ID == a.ID || !isLive(b.State) {
			continue
		}
		for _, oa := range a.Objects {
			for _, ob := range b.Objects {
				overlap, sameColumn := r.objectsOverlap(oa, ob)
				if !overlap {
					continue
				}
				if !commutes(a.OperationClass, b.OperationClass, sameColumn) {
					conflicts = append(conflicts, confiturerr.Conflict{
						A: a.ID.String(), B: b.ID.String(),
						AgentA: a.Agent, AgentB: b.Agent,
						Object: oa.key(),
						OpA:    string(a.OperationClass), OpB: string(b.OperationClass),
					})
				}
			}
		}
	}
	return conflicts
}

// objectsOverlap reports whether oa and ob name intersecting objects
// under the registry's fixed granularity, and whether they name the
// very same column (the one commutation-table cell that needs it).
func (r *Registry) objectsOverlap(oa, ob ObjectRef) (overlap, sameColumn bool) {
	if oa.Schema != ob.Schema || oa.Table != ob.Table {
		return false, false
	}
	sameColumn = oa.Column != "" && oa.Column == ob.Column
	if r.granularity == GranularityTable {
		return true, sameColumn
	}
	if oa.Column != "" && ob.Column != "" && oa.Column != ob.Column {
		return false, false
	}
	return true, sameColumn
}

func dedupeConflicts(in []confiturerr.Conflict) []confiturerr.Conflict {
	seen := make(map[string]bool, len(in))
	var out []confiturerr.Conflict
	for _, c := range in {
		a, b := c.A, c.B
		if a > b {
			a, b = b, a
		}
		key := a + "|" + b + "|" + c.Object
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// Sweep transitions every live intent whose last_touched_at is older
// than ttl to ABANDONED. It is an explicit, externally-triggered call —
// there is no ambient background goroutine — and is best-effort: a
// failure mid-sweep never corrupts the audit chain, since intent state
// changes are not themselves audit entries (callers that want an audit
// trail of sweeps record one themselves after Sweep returns).
func (r *Registry) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	res, err := r.conn.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s.tb_intent SET state='ABANDONED', last_touched_at=now()
		 WHERE state IN ('REGISTERED','IN_PROGRESS') AND last_touched_at < now() - $1::interval`,
		pq.QuoteIdentifier(r.schema)), fmt.Sprintf("%d seconds", int64(ttl.Seconds())))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
