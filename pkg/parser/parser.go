// SPDX-License-Identifier: Apache-2.0

// Package parser ingests a tree of declarative DDL files (or a live
// database, via introspection) and produces a schema.State.
package parser

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	pgq "github.com/xataio/pg_query_go/v6"

	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/schema"
)

// ParseTree reads the .sql files under root in the order given by
// loadOrder — a list of glob patterns interpreted left to right, so that
// objects declared by an earlier pattern are visible (for dependency
// purposes) to statements in a later one — and returns the resulting
// schema.State.
//
// Statement splitting and leading-keyword classification is delegated to
// the real Postgres grammar (github.com/xataio/pg_query_go/v6) rather than
// a hand-rolled scanner, so dollar-quoted function bodies and nested
// quoting are always handled exactly as Postgres itself would.
func ParseTree(root fs.FS, loadOrder []string) (*schema.State, error) {
	state := schema.New()

	files, err := orderedFiles(root, loadOrder)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		raw, err := fs.ReadFile(root, file)
		if err != nil {
			return nil, confiturerr.ParseError{File: file, Reason: err.Error()}
		}

		stmts, err := splitStatements(string(raw))
		if err != nil {
			return nil, confiturerr.ParseError{File: file, Reason: err.Error()}
		}

		for _, stmt := range stmts {
			objs, err := classify(stmt)
			if err != nil {
				return nil, confiturerr.ParseError{File: file, Line: stmt.line, Reason: err.Error()}
			}
			for _, obj := range objs {
				if err := state.Add(obj); err != nil {
					return nil, confiturerr.ParseError{File: file, Line: stmt.line, Reason: err.Error()}
				}
			}
		}
	}

	if err := checkForeignKeyClosure(state); err != nil {
		return nil, err
	}

	return state, nil
}

// OrderedFiles expands loadOrder's glob patterns against root,
// left-to-right, skipping files already seen by an earlier pattern.
// Exported for reuse by pkg/seed, which loads seed files under the same
// declared-load-order convention as schema files.
func OrderedFiles(root fs.FS, loadOrder []string) ([]string, error) {
	return orderedFiles(root, loadOrder)
}

func orderedFiles(root fs.FS, loadOrder []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	patterns := loadOrder
	if len(patterns) == 0 {
		patterns = []string{"**/*.sql"}
	}

	for _, pattern := range patterns {
		matches, err := globFS(root, pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid load-order pattern %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}

	return out, nil
}

// globFS supports a "**" path segment (recursive match), which fs.Glob
// does not, by falling back to a manual walk when the pattern contains it.
func globFS(root fs.FS, pattern string) ([]string, error) {
	if !strings.Contains(pattern, "**") {
		return fs.Glob(root, pattern)
	}

	suffix := strings.TrimPrefix(pattern, "**/")
	var out []string
	err := fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, matchErr := path.Match(suffix, path.Base(p))
		if matchErr != nil {
			return matchErr
		}
		if ok {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

type statement struct {
	text string
	line int
}

// Statement is one statement split out of a SQL file, with its 1-based
// source line. Exported so other packages (e.g. pkg/seed) that need the
// same real-grammar statement splitting don't reimplement it.
type Statement struct {
	Text string
	Line int
}

// SplitStatements uses the real Postgres parser to split sql's contents
// into individual statements, using each raw statement's
// location/length to slice the exact original source text — preserving
// comments and formatting for anything not touched by NormalizeDDL.
func SplitStatements(sql string) ([]Statement, error) {
	stmts, err := splitStatements(sql)
	if err != nil {
		return nil, err
	}
	out := make([]Statement, len(stmts))
	for i, s := range stmts {
		out[i] = Statement{Text: s.text, Line: s.line}
	}
	return out, nil
}

// splitStatements uses the real Postgres parser to split a file's
// contents into individual statements, using each raw statement's
// location/length to slice the exact original source text — preserving
// comments and formatting for anything not touched by NormalizeDDL.
func splitStatements(sql string) ([]statement, error) {
	result, err := pgq.Parse(sql)
	if err != nil {
		return nil, err
	}

	var out []statement
	for _, raw := range result.GetStmts() {
		start := int(raw.GetStmtLocation())
		length := int(raw.GetStmtLen())

		end := len(sql)
		if length > 0 {
			end = start + length
		}
		if start < 0 || start > len(sql) || end > len(sql) || end < start {
			continue
		}

		text := strings.TrimSpace(sql[start:end])
		if text == "" {
			continue
		}

		out = append(out, statement{
			text: text,
			line: 1 + strings.Count(sql[:start], "\n"),
		})
	}

	return out, nil
}

// classify turns one already-split statement into a SchemaObject, using
// the statement's AST node type where confiture understands it, and
// falling back to the statement's leading keyword (spec §4.1) for
// anything it doesn't — e.g. GRANT, COMMENT variants the AST switch
// doesn't special-case, or extensions to the grammar.
func classify(stmt statement) ([]*schema.Object, error) {
	result, err := pgq.Parse(stmt.text)
	if err != nil {
		return nil, err
	}
	stmts := result.GetStmts()
	if len(stmts) != 1 {
		return nil, fmt.Errorf("expected exactly one statement, got %d", len(stmts))
	}

	node := stmts[0].GetStmt().GetNode()
	switch n := node.(type) {
	case *pgq.Node_CreateSchemaStmt:
		return one(&schema.Object{Kind: schema.KindSchema, Schema: n.CreateSchemaStmt.GetSchemaname(), Name: n.CreateSchemaStmt.GetSchemaname(), DDL: stmt.text}), nil

	case *pgq.Node_CreateExtensionStmt:
		return one(&schema.Object{Kind: schema.KindExtension, Name: n.CreateExtensionStmt.GetExtname(), DDL: stmt.text}), nil

	case *pgq.Node_CreateStmt:
		objs, err := decomposeCreateTable(n.CreateStmt)
		if err != nil {
			return nil, err
		}
		return objs, nil

	case *pgq.Node_ViewStmt:
		rel := n.ViewStmt.GetView()
		return one(&schema.Object{Kind: schema.KindView, Schema: schemaOf(rel), Name: rel.GetRelname(), DDL: stmt.text}), nil

	case *pgq.Node_CreateTableAsStmt:
		into := n.CreateTableAsStmt.GetInto()
		rel := into.GetRel()
		kind := schema.KindMaterializedView
		if n.CreateTableAsStmt.GetRelkind().String() != "OBJECT_MATVIEW" {
			kind = schema.KindView
		}
		return one(&schema.Object{Kind: kind, Schema: schemaOf(rel), Name: rel.GetRelname(), DDL: stmt.text}), nil

	case *pgq.Node_IndexStmt:
		rel := n.IndexStmt.GetRelation()
		return one(&schema.Object{
			Kind:        schema.KindIndex,
			Schema:      schemaOf(rel),
			Name:        n.IndexStmt.GetIdxname(),
			Parent:      rel.GetRelname(),
			DDL:         stmt.text,
			IndexMethod: n.IndexStmt.GetAccessMethod(),
			IndexUnique: n.IndexStmt.GetUnique(),
		}), nil

	case *pgq.Node_CreateSeqStmt:
		rel := n.CreateSeqStmt.GetSequence()
		return one(&schema.Object{Kind: schema.KindSequence, Schema: schemaOf(rel), Name: rel.GetRelname(), DDL: stmt.text}), nil

	case *pgq.Node_CompositeTypeStmt:
		name := n.CompositeTypeStmt.GetTypevar()
		return one(&schema.Object{Kind: schema.KindType, Schema: schemaOf(name), Name: name.GetRelname(), DDL: stmt.text}), nil

	case *pgq.Node_CreateEnumStmt:
		name := lastString(n.CreateEnumStmt.GetTypeName())
		return one(&schema.Object{Kind: schema.KindType, Name: name, DDL: stmt.text}), nil

	case *pgq.Node_CreateFunctionStmt:
		name := lastString(n.CreateFunctionStmt.GetFuncname())
		return one(&schema.Object{Kind: schema.KindFunction, Name: name, DDL: stmt.text}), nil

	case *pgq.Node_CreateTrigStmt:
		rel := n.CreateTrigStmt.GetRelation()
		return one(&schema.Object{Kind: schema.KindTrigger, Schema: schemaOf(rel), Name: n.CreateTrigStmt.GetTrigname(), Parent: rel.GetRelname(), DDL: stmt.text}), nil

	case *pgq.Node_AlterTableStmt:
		// ALTER TABLE is folded into the owning table's DDL by the differ
		// when comparing live catalogs; as a standalone file statement it
		// is carried through as a constraint attached to the table it
		// targets, so the fingerprint still reflects it.
		rel := n.AlterTableStmt.GetRelation()
		obj := &schema.Object{Kind: schema.KindConstraint, Schema: schemaOf(rel), Name: stmt.text, Parent: rel.GetRelname(), DDL: stmt.text}
		if ref := foreignKeyReference(n.AlterTableStmt); ref != nil {
			obj.ConstraintKind = schema.ConstraintForeignKey
			obj.References = ref
		}
		return one(obj), nil

	case *pgq.Node_CommentStmt:
		return one(&schema.Object{Kind: schema.KindComment, Name: stmt.text, DDL: stmt.text}), nil

	default:
		return classifyByKeyword(stmt)
	}
}

func one(o *schema.Object) []*schema.Object { return []*schema.Object{o} }

// classifyByKeyword is the fallback for statement kinds the AST switch
// above does not special-case: it names the object after its leading
// keyword sequence, still participating in the fingerprint verbatim.
func classifyByKeyword(stmt statement) ([]*schema.Object, error) {
	fields := strings.Fields(stmt.text)
	if len(fields) == 0 {
		return nil, nil
	}

	leading := strings.ToUpper(fields[0])
	switch leading {
	case "GRANT", "REVOKE", "SET", "BEGIN", "COMMIT", "DO":
		return nil, nil // session/permission statements are not schema objects
	default:
		return one(&schema.Object{Kind: schema.KindComment, Name: stmt.text, DDL: stmt.text}), nil
	}
}

// foreignKeyReference scans an ALTER TABLE's commands for an
// ADD CONSTRAINT ... FOREIGN KEY clause and extracts its target table, so
// the closure check can verify the referenced table was declared
// somewhere in the tree.
func foreignKeyReference(stmt *pgq.AlterTableStmt) *schema.Reference {
	for _, cmd := range stmt.GetCmds() {
		alterCmd := cmd.GetAlterTableCmd()
		if alterCmd == nil {
			continue
		}
		constraint := alterCmd.GetDef().GetConstraint()
		if constraint == nil || constraint.GetContype() != pgq.ConstrType_CONSTR_FOREIGN {
			continue
		}
		pktable := constraint.GetPktable()
		if pktable == nil {
			continue
		}
		return &schema.Reference{Table: pktable.GetRelname()}
	}
	return nil
}

func schemaOf(rel *pgq.RangeVar) string {
	if rel == nil {
		return "public"
	}
	if s := rel.GetSchemaname(); s != "" {
		return s
	}
	return "public"
}

func lastString(parts []*pgq.Node) string {
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1].GetString_().GetSval()
}

// checkForeignKeyClosure enforces spec §3's SchemaObject invariant: every
// foreign key's referenced table exists in the same SchemaState.
func checkForeignKeyClosure(state *schema.State) error {
	for _, o := range state.ByKind(schema.KindConstraint) {
		if o.References == nil {
			continue
		}
		if _, ok := state.Get(schema.QualifiedName{Kind: schema.KindTable, Schema: o.Schema, Name: o.References.Table}); !ok {
			return confiturerr.ParseError{Reason: fmt.Sprintf("foreign key on %q references unknown table %q", o.Parent, o.References.Table)}
		}
	}
	return nil
}

// Introspect reconstructs an equivalent schema.State from a live
// database's catalogs. The result is fingerprint-stable: two databases
// with equivalent catalogs produce the same fingerprint regardless of
// platform-specific formatting, because introspected objects are
// normalised through the same NormalizeDDL path as parsed ones.
func Introspect(ctx context.Context, conn db.DB, schemaName string) (*schema.State, error) {
	state := schema.New()

	if err := introspectTables(ctx, conn, schemaName, state); err != nil {
		return nil, err
	}
	if err := introspectIndexes(ctx, conn, schemaName, state); err != nil {
		return nil, err
	}
	if err := introspectConstraints(ctx, conn, schemaName, state); err != nil {
		return nil, err
	}
	if err := introspectSequences(ctx, conn, schemaName, state); err != nil {
		return nil, err
	}

	return state, nil
}
