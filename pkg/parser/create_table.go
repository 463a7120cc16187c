// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"fmt"
	"strings"

	pgq "github.com/xataio/pg_query_go/v6"

	"github.com/fraiseql/confiture/pkg/schema"
)

// decomposeCreateTable extracts a KindTable object plus one KindColumn and
// zero or more KindConstraint objects per column/table-level constraint
// from a CREATE TABLE's element list. This gives ParseTree the same
// object shape Introspect builds from pg_catalog, so the two converge on
// the same fingerprint for equivalent schemas (the table's own DDL
// collapses to the canonical empty-parens form for the same reason
// introspectTables uses it: the table object no longer carries its
// columns' text, so it would otherwise never compare equal across the
// two paths).
func decomposeCreateTable(stmt *pgq.CreateStmt) ([]*schema.Object, error) {
	rel := stmt.GetRelation()
	schemaName := schemaOf(rel)
	tableName := rel.GetRelname()

	objs := []*schema.Object{{
		Kind:   schema.KindTable,
		Schema: schemaName,
		Name:   tableName,
		DDL:    fmt.Sprintf("CREATE TABLE %s.%s ()", schemaName, tableName),
	}}

	for _, elt := range stmt.GetTableElts() {
		switch e := elt.Node.(type) {
		case *pgq.Node_ColumnDef:
			colObjs, err := decomposeColumnDef(schemaName, tableName, e.ColumnDef)
			if err != nil {
				return nil, err
			}
			objs = append(objs, colObjs...)

		case *pgq.Node_Constraint:
			obj, err := decomposeTableConstraint(schemaName, tableName, e.Constraint)
			if err != nil {
				return nil, err
			}
			if obj != nil {
				objs = append(objs, obj)
			}
		}
	}

	return objs, nil
}

// decomposeColumnDef turns one column definition into its KindColumn
// object plus a KindConstraint object for each inline PRIMARY KEY,
// UNIQUE, CHECK, or REFERENCES clause it carries. NOT NULL/NULL fold
// into the column object's own nullability, matching introspectTables,
// which never surfaces a NOT NULL as a separate pg_constraint row either
// (it wasn't catalogued as one before Postgres 16's column constraints).
func decomposeColumnDef(schemaName, tableName string, col *pgq.ColumnDef) ([]*schema.Object, error) {
	typeString, err := pgq.DeparseTypeName(col.GetTypeName())
	if err != nil {
		return nil, fmt.Errorf("deparsing type of column %q: %w", col.GetColname(), err)
	}
	colType := canonicalTypeName(typeString)
	colName := col.GetColname()

	nullable := true
	var defaultExpr *string
	var constraints []*schema.Object

	for _, c := range col.GetConstraints() {
		con := c.GetConstraint()
		switch con.GetContype() {
		case pgq.ConstrType_CONSTR_NOTNULL:
			nullable = false

		case pgq.ConstrType_CONSTR_NULL:
			nullable = true

		case pgq.ConstrType_CONSTR_PRIMARY:
			nullable = false
			name := con.GetConname()
			if name == "" {
				name = fmt.Sprintf("%s_pkey", tableName)
			}
			constraints = append(constraints, &schema.Object{
				Kind:              schema.KindConstraint,
				Schema:            schemaName,
				Name:              name,
				Parent:            tableName,
				DDL:               fmt.Sprintf("PRIMARY KEY (%s)", colName),
				ConstraintKind:    schema.ConstraintPrimaryKey,
				ConstraintColumns: []string{colName},
			})

		case pgq.ConstrType_CONSTR_UNIQUE:
			name := con.GetConname()
			if name == "" {
				name = fmt.Sprintf("%s_%s_key", tableName, colName)
			}
			constraints = append(constraints, &schema.Object{
				Kind:              schema.KindConstraint,
				Schema:            schemaName,
				Name:              name,
				Parent:            tableName,
				DDL:               fmt.Sprintf("UNIQUE (%s)", colName),
				ConstraintKind:    schema.ConstraintUnique,
				ConstraintColumns: []string{colName},
			})

		case pgq.ConstrType_CONSTR_CHECK:
			expr, err := pgq.DeparseExpr(con.GetRawExpr())
			if err != nil {
				return nil, fmt.Errorf("deparsing CHECK expression on column %q: %w", colName, err)
			}
			name := con.GetConname()
			if name == "" {
				name = fmt.Sprintf("%s_%s_check", tableName, colName)
			}
			constraints = append(constraints, &schema.Object{
				Kind:              schema.KindConstraint,
				Schema:            schemaName,
				Name:              name,
				Parent:            tableName,
				DDL:               fmt.Sprintf("CHECK (%s)", expr),
				ConstraintKind:    schema.ConstraintCheck,
				ConstraintColumns: []string{colName},
			})

		case pgq.ConstrType_CONSTR_DEFAULT:
			expr, err := pgq.DeparseExpr(con.GetRawExpr())
			if err != nil {
				return nil, fmt.Errorf("deparsing DEFAULT expression on column %q: %w", colName, err)
			}
			defaultExpr = &expr

		case pgq.ConstrType_CONSTR_FOREIGN:
			name := con.GetConname()
			if name == "" {
				name = fmt.Sprintf("%s_%s_fkey", tableName, colName)
			}
			refTable := qualifiedRelname(con.GetPktable())
			refCols := stringKeys(con.GetPkAttrs())
			constraints = append(constraints, &schema.Object{
				Kind:              schema.KindConstraint,
				Schema:            schemaName,
				Name:              name,
				Parent:            tableName,
				DDL:               foreignKeyDDL([]string{colName}, refTable, refCols),
				ConstraintKind:    schema.ConstraintForeignKey,
				ConstraintColumns: []string{colName},
				References:        &schema.Reference{Table: con.GetPktable().GetRelname(), Columns: refCols, OnDelete: onDeleteAction(con.GetFkDelAction())},
			})
		}
	}

	colObj := &schema.Object{
		Kind:           schema.KindColumn,
		Schema:         schemaName,
		Name:           colName,
		Parent:         tableName,
		DDL:            columnDDL(colName, colType, nullable, defaultExpr),
		ColumnType:     colType,
		ColumnNullable: nullable,
		ColumnDefault:  defaultExpr,
	}

	return append([]*schema.Object{colObj}, constraints...), nil
}

// decomposeTableConstraint converts a table-level PRIMARY KEY, UNIQUE,
// CHECK, or FOREIGN KEY clause. Unnamed constraints are given Postgres's
// own default name, built from the first key column, so they line up
// with introspectConstraints's conname for the equivalent live
// constraint; unnamed multi-constraint collisions on one table (e.g. two
// unnamed CHECKs) are not disambiguated beyond that, same as Postgres
// itself would need a second CHECK to carry an explicit name.
func decomposeTableConstraint(schemaName, tableName string, con *pgq.Constraint) (*schema.Object, error) {
	switch con.GetContype() {
	case pgq.ConstrType_CONSTR_PRIMARY:
		cols := stringKeys(con.GetKeys())
		name := con.GetConname()
		if name == "" {
			name = fmt.Sprintf("%s_pkey", tableName)
		}
		return &schema.Object{
			Kind:              schema.KindConstraint,
			Schema:            schemaName,
			Name:              name,
			Parent:            tableName,
			DDL:               fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(cols, ", ")),
			ConstraintKind:    schema.ConstraintPrimaryKey,
			ConstraintColumns: cols,
		}, nil

	case pgq.ConstrType_CONSTR_UNIQUE:
		cols := stringKeys(con.GetKeys())
		name := con.GetConname()
		if name == "" {
			name = fmt.Sprintf("%s_%s_key", tableName, firstOrEmpty(cols))
		}
		return &schema.Object{
			Kind:              schema.KindConstraint,
			Schema:            schemaName,
			Name:              name,
			Parent:            tableName,
			DDL:               fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")),
			ConstraintKind:    schema.ConstraintUnique,
			ConstraintColumns: cols,
		}, nil

	case pgq.ConstrType_CONSTR_CHECK:
		expr, err := pgq.DeparseExpr(con.GetRawExpr())
		if err != nil {
			return nil, fmt.Errorf("deparsing CHECK expression on table %q: %w", tableName, err)
		}
		name := con.GetConname()
		if name == "" {
			name = fmt.Sprintf("%s_check", tableName)
		}
		return &schema.Object{
			Kind:           schema.KindConstraint,
			Schema:         schemaName,
			Name:           name,
			Parent:         tableName,
			DDL:            fmt.Sprintf("CHECK (%s)", expr),
			ConstraintKind: schema.ConstraintCheck,
		}, nil

	case pgq.ConstrType_CONSTR_FOREIGN:
		cols := stringKeys(con.GetFkAttrs())
		refCols := stringKeys(con.GetPkAttrs())
		refTable := qualifiedRelname(con.GetPktable())
		name := con.GetConname()
		if name == "" {
			name = fmt.Sprintf("%s_%s_fkey", tableName, firstOrEmpty(cols))
		}
		return &schema.Object{
			Kind:              schema.KindConstraint,
			Schema:            schemaName,
			Name:              name,
			Parent:            tableName,
			DDL:               foreignKeyDDL(cols, refTable, refCols),
			ConstraintKind:    schema.ConstraintForeignKey,
			ConstraintColumns: cols,
			References:        &schema.Reference{Table: con.GetPktable().GetRelname(), Columns: refCols, OnDelete: onDeleteAction(con.GetFkDelAction())},
		}, nil

	default:
		return nil, nil
	}
}

// columnDDL renders a column definition the same way on both the parser
// and introspection paths, so a nullability or default change (not just a
// type change) shows up as a changed DDL string and is not silently
// invisible to Diff.
func columnDDL(name, colType string, nullable bool, defaultExpr *string) string {
	s := fmt.Sprintf("%s %s", name, colType)
	if !nullable {
		s += " NOT NULL"
	}
	if defaultExpr != nil {
		s += " DEFAULT " + *defaultExpr
	}
	return s
}

// foreignKeyDDL matches pg_get_constraintdef's "FOREIGN KEY (...)
// REFERENCES table(...)" shape closely enough for the common case; it
// does not reproduce an explicit, non-default ON DELETE/ON UPDATE
// clause in the text (the clause is still captured structurally in
// References.OnDelete).
func foreignKeyDDL(cols []string, refTable string, refCols []string) string {
	if len(refCols) == 0 {
		return fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s", strings.Join(cols, ", "), refTable)
	}
	return fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)", strings.Join(cols, ", "), refTable, strings.Join(refCols, ", "))
}

func stringKeys(nodes []*pgq.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.GetString_().GetSval())
	}
	return out
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func qualifiedRelname(rv *pgq.RangeVar) string {
	if rv == nil {
		return ""
	}
	if s := rv.GetSchemaname(); s != "" {
		return s + "." + rv.GetRelname()
	}
	return rv.GetRelname()
}

func onDeleteAction(code string) string {
	switch code {
	case "a":
		return "NO ACTION"
	case "c":
		return "CASCADE"
	case "r":
		return "RESTRICT"
	case "d":
		return "SET DEFAULT"
	case "n":
		return "SET NULL"
	default:
		return ""
	}
}

// typeAliases maps pg_query's deparsed base type names to the display
// names format_type() uses, so a column typed from a parsed file and the
// same column introspected from a live catalog carry the same
// ColumnType. This covers the common built-in aliases; an exotic or
// extension type that deparses differently from its catalog display name
// is passed through unchanged; this is a known, intentional gap, not a
// silent one.
var typeAliases = map[string]string{
	"int4":        "integer",
	"int":         "integer",
	"integer":     "integer",
	"int2":        "smallint",
	"int8":        "bigint",
	"bool":        "boolean",
	"float4":      "real",
	"float8":      "double precision",
	"varchar":     "character varying",
	"bpchar":      "character",
	"decimal":     "numeric",
	"serial4":     "integer",
	"serial8":     "bigint",
	"timestamp":   "timestamp without time zone",
	"timestamptz": "timestamp with time zone",
	"time":        "time without time zone",
	"timetz":      "time with time zone",
}

// canonicalTypeName rewrites a type's base name through typeAliases,
// leaving any parenthesised length/precision modifier untouched.
func canonicalTypeName(deparsed string) string {
	base, suffix := deparsed, ""
	if idx := strings.Index(deparsed, "("); idx != -1 {
		base, suffix = deparsed[:idx], deparsed[idx:]
	}
	base = strings.TrimSpace(base)
	if canon, ok := typeAliases[strings.ToLower(base)]; ok {
		base = canon
	}
	return base + suffix
}
