// SPDX-License-Identifier: Apache-2.0

package safety

import (
	pgq "github.com/xataio/pg_query_go/v6"

	"github.com/fraiseql/confiture/pkg/diff"
)

// riskRank orders diff.Risk values so classifyStatementRisk can fold
// several AlterTableCmds (e.g. an ADD COLUMN and a DROP COLUMN in the
// same statement) into the single worst risk among them.
func riskRank(r diff.Risk) int {
	switch r {
	case diff.RiskSafe:
		return 0
	case diff.RiskOnline:
		return 1
	case diff.RiskLocking:
		return 2
	case diff.RiskDataLoss:
		return 3
	default:
		return 0
	}
}

// classifyStatementRisk inspects one parsed statement's AST node and
// assigns it a Risk directly, the same taxonomy pkg/diff uses for a
// planned ChangeSet, without needing a before/after schema comparison.
// This is what lets the Impact Analyser run against a migration's raw
// forward SQL at apply time, when no ChangeSet was ever computed for it.
func classifyStatementRisk(node *pgq.Node) (diff.Risk, string) {
	switch n := node.GetNode().(type) {
	case *pgq.Node_DropStmt:
		if n.DropStmt.GetBehavior() == pgq.DropBehavior_DROP_CASCADE {
			return diff.RiskDataLoss, "DROP ... CASCADE removes dependent objects and their data"
		}
		return diff.RiskDataLoss, "DROP statement removes an object and its data irrecoverably"

	case *pgq.Node_TruncateStmt:
		return diff.RiskDataLoss, "TRUNCATE discards every row in the named tables"

	case *pgq.Node_AlterTableStmt:
		return alterTableRisk(n.AlterTableStmt)

	case *pgq.Node_IndexStmt:
		if n.IndexStmt.GetConcurrent() {
			return diff.RiskOnline, "CREATE INDEX CONCURRENTLY"
		}
		return diff.RiskLocking, "CREATE INDEX without CONCURRENTLY takes a SHARE lock, blocking writes"

	case *pgq.Node_RenameStmt:
		return diff.RiskLocking, "RENAME takes an ACCESS EXCLUSIVE lock for the duration of the catalog update"

	default:
		return diff.RiskSafe, ""
	}
}

// alterTableRisk folds every AlterTableCmd in stmt down to the single
// worst Risk among them, so one multi-clause ALTER TABLE is reported
// once at its most dangerous clause rather than once per clause.
func alterTableRisk(stmt *pgq.AlterTableStmt) (diff.Risk, string) {
	worst := diff.RiskSafe
	var detail string
	bump := func(r diff.Risk, d string) {
		if riskRank(r) > riskRank(worst) {
			worst, detail = r, d
		}
	}

	for _, cmd := range stmt.GetCmds() {
		c := cmd.GetAlterTableCmd()
		if c == nil {
			continue
		}
		switch c.GetSubtype() {
		case pgq.AlterTableType_AT_DropColumn:
			bump(diff.RiskDataLoss, "DROP COLUMN discards the column's data")
		case pgq.AlterTableType_AT_AlterColumnType:
			bump(diff.RiskLocking, "ALTER COLUMN TYPE rewrites the table under ACCESS EXCLUSIVE")
		case pgq.AlterTableType_AT_SetNotNull:
			bump(diff.RiskLocking, "SET NOT NULL requires a full table scan to validate existing rows")
		case pgq.AlterTableType_AT_AddConstraint:
			if constraintSkipsValidation(c.GetDef()) {
				bump(diff.RiskOnline, "constraint added NOT VALID, validated separately")
			} else {
				bump(diff.RiskLocking, "ADD CONSTRAINT validates existing rows while holding a lock")
			}
		case pgq.AlterTableType_AT_AddColumn:
			if columnAddIsUnsafe(c.GetDef()) {
				bump(diff.RiskDataLoss, "ADD COLUMN NOT NULL without a DEFAULT fails against any existing row")
			}
		case pgq.AlterTableType_AT_DropConstraint:
			bump(diff.RiskLocking, "DROP CONSTRAINT takes an ACCESS EXCLUSIVE lock")
		case pgq.AlterTableType_AT_ValidateConstraint:
			bump(diff.RiskOnline, "VALIDATE CONSTRAINT")
		}
	}

	return worst, detail
}

// constraintSkipsValidation reports whether def is a Constraint node
// marked NOT VALID (SkipValidation), the form that avoids locking the
// table to scan existing rows.
func constraintSkipsValidation(def *pgq.Node) bool {
	con := def.GetConstraint()
	return con != nil && con.GetSkipValidation()
}

// columnAddIsUnsafe reports whether def is a ColumnDef carrying a NOT
// NULL constraint with no DEFAULT — the combination Postgres rejects
// outright against a populated table.
func columnAddIsUnsafe(def *pgq.Node) bool {
	col := def.GetColumnDef()
	if col == nil {
		return false
	}
	var notNull, hasDefault bool
	for _, rawCon := range col.GetConstraints() {
		con := rawCon.GetConstraint()
		if con == nil {
			continue
		}
		switch con.GetContype() {
		case pgq.ConstrType_CONSTR_NOTNULL:
			notNull = true
		case pgq.ConstrType_CONSTR_DEFAULT:
			hasDefault = true
		}
	}
	return notNull && !hasDefault
}
