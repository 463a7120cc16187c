// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"context"
	"fmt"

	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/schema"
)

// introspectTables walks pg_catalog to recover every table and its
// columns in schemaName, recording each column as a SchemaObject whose
// Parent is the owning table — the same shape ParseTree would have
// produced had the table been declared in a file.
func introspectTables(ctx context.Context, conn db.DB, schemaName string, state *schema.State) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT c.relname, a.attname, format_type(a.atttypid, a.atttypmod),
		       NOT a.attnotnull AS nullable,
		       pg_get_expr(d.adbin, d.adrelid) AS default_expr
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_catalog.pg_attribute a ON a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped
		LEFT JOIN pg_catalog.pg_attrdef d ON d.adrelid = c.oid AND d.adnum = a.attnum
		WHERE n.nspname = $1 AND c.relkind = 'r'
		ORDER BY c.relname, a.attnum`, schemaName)
	if err != nil {
		return fmt.Errorf("introspecting tables: %w", err)
	}
	defer rows.Close()

	seenTables := make(map[string]bool)
	for rows.Next() {
		var table, column, colType string
		var nullable bool
		var defaultExpr *string
		if err := rows.Scan(&table, &column, &colType, &nullable, &defaultExpr); err != nil {
			return fmt.Errorf("scanning table column row: %w", err)
		}

		if !seenTables[table] {
			seenTables[table] = true
			if err := state.Add(&schema.Object{
				Kind:   schema.KindTable,
				Schema: schemaName,
				Name:   table,
				DDL:    fmt.Sprintf("CREATE TABLE %s.%s ()", schemaName, table),
			}); err != nil {
				return err
			}
		}

		if err := state.Add(&schema.Object{
			Kind:           schema.KindColumn,
			Schema:         schemaName,
			Name:           column,
			Parent:         table,
			DDL:            columnDDL(column, colType, nullable, defaultExpr),
			ColumnType:     colType,
			ColumnNullable: nullable,
			ColumnDefault:  defaultExpr,
		}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// introspectIndexes recovers every non-constraint index in schemaName.
// Constraint-backed indexes (primary keys, unique constraints) are left
// to introspectConstraints so each object surfaces once, under the kind
// a parsed file would have classified it as.
func introspectIndexes(ctx context.Context, conn db.DB, schemaName string, state *schema.State) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT t.relname AS table_name, i.relname AS index_name,
		       am.amname AS method, ix.indisunique,
		       pg_get_indexdef(ix.indexrelid)
		FROM pg_catalog.pg_index ix
		JOIN pg_catalog.pg_class i ON i.oid = ix.indexrelid
		JOIN pg_catalog.pg_class t ON t.oid = ix.indrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_catalog.pg_am am ON am.oid = i.relam
		WHERE n.nspname = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM pg_catalog.pg_constraint c
		      WHERE c.conindid = ix.indexrelid
		  )
		ORDER BY t.relname, i.relname`, schemaName)
	if err != nil {
		return fmt.Errorf("introspecting indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, index, method, indexdef string
		var unique bool
		if err := rows.Scan(&table, &index, &method, &unique, &indexdef); err != nil {
			return fmt.Errorf("scanning index row: %w", err)
		}
		if err := state.Add(&schema.Object{
			Kind:        schema.KindIndex,
			Schema:      schemaName,
			Name:        index,
			Parent:      table,
			DDL:         indexdef,
			IndexMethod: method,
			IndexUnique: unique,
		}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// introspectConstraints recovers primary key, foreign key, unique, and
// check constraints.
func introspectConstraints(ctx context.Context, conn db.DB, schemaName string, state *schema.State) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT t.relname AS table_name, c.conname, c.contype,
		       pg_get_constraintdef(c.oid),
		       ft.relname AS ref_table
		FROM pg_catalog.pg_constraint c
		JOIN pg_catalog.pg_class t ON t.oid = c.conrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
		LEFT JOIN pg_catalog.pg_class ft ON ft.oid = c.confrelid
		WHERE n.nspname = $1
		ORDER BY t.relname, c.conname`, schemaName)
	if err != nil {
		return fmt.Errorf("introspecting constraints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, conname, contype, condef string
		var refTable *string
		if err := rows.Scan(&table, &conname, &contype, &condef, &refTable); err != nil {
			return fmt.Errorf("scanning constraint row: %w", err)
		}

		obj := &schema.Object{
			Kind:           schema.KindConstraint,
			Schema:         schemaName,
			Name:           conname,
			Parent:         table,
			DDL:            condef,
			ConstraintKind: constraintKindOf(contype),
		}
		if refTable != nil {
			obj.References = &schema.Reference{Table: *refTable}
		}
		if err := state.Add(obj); err != nil {
			return err
		}
	}
	return rows.Err()
}

func constraintKindOf(contype string) schema.ConstraintKind {
	switch contype {
	case "p":
		return schema.ConstraintPrimaryKey
	case "f":
		return schema.ConstraintForeignKey
	case "u":
		return schema.ConstraintUnique
	case "c":
		return schema.ConstraintCheck
	default:
		return ""
	}
}

// introspectSequences recovers standalone sequences (those not owned by
// an identity/serial column, which already surface via the column's
// default expression).
func introspectSequences(ctx context.Context, conn db.DB, schemaName string, state *schema.State) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind = 'S'
		ORDER BY c.relname`, schemaName)
	if err != nil {
		return fmt.Errorf("introspecting sequences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning sequence row: %w", err)
		}
		if err := state.Add(&schema.Object{
			Kind:   schema.KindSequence,
			Schema: schemaName,
			Name:   name,
			DDL:    fmt.Sprintf("CREATE SEQUENCE %s.%s", schemaName, name),
		}); err != nil {
			return err
		}
	}
	return rows.Err()
}
