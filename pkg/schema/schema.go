// SPDX-License-Identifier: Apache-2.0

// Package schema holds the canonical, content-addressed representation of
// a database's declarative shape: SchemaState, its SchemaObjects, and the
// fingerprint that identifies a state independent of file layout,
// whitespace, or incidental ordering.
package schema

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the variant of a SchemaObject.
type Kind string

const (
	KindSchema           Kind = "schema"
	KindExtension        Kind = "extension"
	KindType             Kind = "type"
	KindSequence         Kind = "sequence"
	KindTable            Kind = "table"
	KindColumn           Kind = "column"
	KindIndex            Kind = "index"
	KindConstraint       Kind = "constraint"
	KindView             Kind = "view"
	KindMaterializedView Kind = "materialized_view"
	KindFunction         Kind = "function"
	KindTrigger          Kind = "trigger"
	KindComment          Kind = "comment"
)

// ConstraintKind distinguishes the PK/FK/UNIQUE/CHECK/NOT-NULL variants of
// a KindConstraint object.
type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "primary_key"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintCheck      ConstraintKind = "check"
	ConstraintNotNull    ConstraintKind = "not_null"
)

// Object is one named database artefact. Every SchemaObject variant
// (Table, Column, Index, ...) embeds the fields common to all of them and
// adds whatever is specific to its Kind.
type Object struct {
	Kind   Kind   `json:"kind"`
	Schema string `json:"schema"`
	Name   string `json:"name"`
	// Parent is the owning object's name, e.g. a Column's Table, or an
	// Index's Table. Empty for top-level objects (Table, Type, ...).
	Parent string `json:"parent,omitempty"`
	// DDL is the free-form, normalised body used for the fingerprint.
	DDL string `json:"ddl"`

	// Column-specific.
	ColumnType          string  `json:"columnType,omitempty"`
	ColumnNullable      bool    `json:"columnNullable,omitempty"`
	ColumnDefault       *string `json:"columnDefault,omitempty"`
	ColumnReferencedType string `json:"columnReferencedType,omitempty"`

	// Index-specific.
	IndexColumns []string `json:"indexColumns,omitempty"`
	IndexMethod  string   `json:"indexMethod,omitempty"`
	IndexUnique  bool     `json:"indexUnique,omitempty"`

	// Constraint-specific.
	ConstraintKind    ConstraintKind `json:"constraintKind,omitempty"`
	ConstraintColumns []string       `json:"constraintColumns,omitempty"`
	References        *Reference    `json:"references,omitempty"`
}

// Reference describes the table/columns a foreign key constraint points
// at.
type Reference struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	OnDelete string  `json:"onDelete,omitempty"`
}

// QualifiedName is the (kind, schema, name, parent) identity used to index
// objects for diffing.
type QualifiedName struct {
	Kind   Kind
	Schema string
	Name   string
	Parent string
}

func (o *Object) Key() QualifiedName {
	return QualifiedName{Kind: o.Kind, Schema: o.Schema, Name: o.Name, Parent: o.Parent}
}

// State is an immutable snapshot of a database's declarative shape.
type State struct {
	objects []*Object
	index   map[QualifiedName]*Object
}

// New returns an empty State.
func New() *State {
	return &State{index: make(map[QualifiedName]*Object)}
}

// Add inserts an object into the state. A CREATE OR REPLACE whose
// normalised body is identical to an already-present object collapses to
// one entry, per spec §4.1's edge-case policy; any other duplicate key is
// an error the caller (the parser) turns into a ParseError.
func (s *State) Add(o *Object) error {
	if s.index == nil {
		s.index = make(map[QualifiedName]*Object)
	}
	key := o.Key()
	if existing, ok := s.index[key]; ok {
		if NormalizeDDL(existing.DDL) == NormalizeDDL(o.DDL) {
			return nil
		}
		return fmt.Errorf("duplicate object definition: %s %s.%s", o.Kind, o.Schema, o.Name)
	}
	s.index[key] = o
	s.objects = append(s.objects, o)
	return nil
}

// Objects returns all objects in insertion order.
func (s *State) Objects() []*Object {
	return s.objects
}

// Get looks up an object by its qualified name.
func (s *State) Get(key QualifiedName) (*Object, bool) {
	o, ok := s.index[key]
	return o, ok
}

// ByKind returns all objects of the given kind.
func (s *State) ByKind(k Kind) []*Object {
	var out []*Object
	for _, o := range s.objects {
		if o.Kind == k {
			out = append(out, o)
		}
	}
	return out
}

// sortedObjects returns a copy of the object list sorted by
// (kind, schema, name, parent), the canonical order the fingerprint is
// computed over. It does not mutate the receiver's insertion order, which
// downstream consumers (e.g. the differ's dependency sort) rely on
// separately.
func (s *State) sortedObjects() []*Object {
	out := make([]*Object, len(s.objects))
	copy(out, s.objects)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Parent < b.Parent
	})
	return out
}

// CanonicalText renders the state's objects, sorted and normalised, as the
// text the Fingerprint hashes.
func (s *State) CanonicalText() string {
	var b strings.Builder
	for _, o := range s.sortedObjects() {
		fmt.Fprintf(&b, "%s|%s|%s|%s|%s\n", o.Kind, o.Schema, o.Name, o.Parent, NormalizeDDL(o.DDL))
	}
	return b.String()
}

// Fingerprint is the SHA-256 of the state's canonical text: a pure
// function of the object set, independent of file layout, whitespace,
// comments, or incidental ordering (spec §3's SchemaState invariant).
func (s *State) Fingerprint() [32]byte {
	return sha256.Sum256([]byte(s.CanonicalText()))
}

// NormalizeDDL lowercases everything outside single-quoted strings,
// double-quoted identifiers, and dollar-quoted bodies (matching Postgres's
// own folding of unquoted identifiers and keywords), strips line and
// block comments, collapses whitespace, and trims a trailing semicolon
// (spec §4.1). Two DDL strings that differ only in keyword case,
// incidental whitespace, or commentary normalise to the same text and so
// hash identically.
func NormalizeDDL(ddl string) string {
	normalised := strings.Join(strings.Fields(stripCommentsAndFold(ddl)), " ")
	return strings.TrimSpace(strings.TrimSuffix(normalised, ";"))
}

// stripCommentsAndFold walks ddl once, copying quoted/dollar-quoted runs
// verbatim and lowercasing everything else, dropping -- line comments and
// /* */ block comments (which nest, per Postgres's lexer).
func stripCommentsAndFold(ddl string) string {
	var b strings.Builder
	b.Grow(len(ddl))

	runes := []rune(ddl)
	n := len(runes)
	for i := 0; i < n; {
		switch {
		case runes[i] == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}

		case runes[i] == '/' && i+1 < n && runes[i+1] == '*':
			depth := 1
			i += 2
			for i < n && depth > 0 {
				switch {
				case i+1 < n && runes[i] == '/' && runes[i+1] == '*':
					depth++
					i += 2
				case i+1 < n && runes[i] == '*' && runes[i+1] == '/':
					depth--
					i += 2
				default:
					i++
				}
			}

		case runes[i] == '\'':
			start := i
			i++
			for i < n {
				if runes[i] == '\'' {
					if i+1 < n && runes[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			b.WriteString(string(runes[start:i]))

		case runes[i] == '"':
			start := i
			i++
			for i < n {
				if runes[i] == '"' {
					if i+1 < n && runes[i+1] == '"' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			b.WriteString(string(runes[start:i]))

		case runes[i] == '$':
			if tag, end, ok := dollarTag(runes, i); ok {
				closer := "$" + tag + "$"
				closeAt := indexOfRunes(runes, end, closer)
				if closeAt == -1 {
					b.WriteString(string(runes[i:]))
					i = n
					break
				}
				stop := closeAt + len([]rune(closer))
				b.WriteString(string(runes[i:stop]))
				i = stop
				break
			}
			b.WriteRune(runes[i])
			i++

		default:
			b.WriteRune(toLowerASCII(runes[i]))
			i++
		}
	}

	return b.String()
}

// dollarTag recognises a $tag$ opening delimiter starting at i (tag may
// be empty, as in the common $$ body delimiter) and reports the tag text
// and the index just past the opening delimiter.
func dollarTag(runes []rune, i int) (tag string, end int, ok bool) {
	j := i + 1
	for j < len(runes) && runes[j] != '$' && (isAlnum(runes[j]) || runes[j] == '_') {
		j++
	}
	if j >= len(runes) || runes[j] != '$' {
		return "", 0, false
	}
	return string(runes[i+1 : j]), j + 1, true
}

func indexOfRunes(haystack []rune, from int, needle string) int {
	n := []rune(needle)
	for i := from; i+len(n) <= len(haystack); i++ {
		match := true
		for k := range n {
			if haystack[i+k] != n[k] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func toLowerASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// Value implements driver.Valuer so a State can be stored as JSONB.
func (s State) Value() (driver.Value, error) {
	return json.Marshal(s.objects)
}

// Scan implements sql.Scanner for the reverse direction.
func (s *State) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("schema.State.Scan: type assertion to []byte failed")
	}
	var objs []*Object
	if err := json.Unmarshal(b, &objs); err != nil {
		return err
	}
	s.objects = objs
	s.index = make(map[QualifiedName]*Object, len(objs))
	for _, o := range objs {
		s.index[o.Key()] = o
	}
	return nil
}
