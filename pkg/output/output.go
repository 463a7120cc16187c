// SPDX-License-Identifier: Apache-2.0

// Package output implements the Structured Output Layer (spec §4.10):
// every operation result renders to text, JSON, and (where tabular)
// CSV, with the JSON form fixed per operation and relied upon by CI/CD
// integrations.
package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"reflect"
	"text/tabwriter"
)

// Format names one of the three renderings an operation result exposes.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Tabular is implemented by result types that have a natural row/column
// shape and so support FormatCSV; types without it return an error for
// csv.
type Tabular interface {
	// Header returns the CSV column names.
	Header() []string
	// Rows returns one []string per CSV row, aligned with Header.
	Rows() [][]string
}

// Render renders v in the given format. json.MarshalIndent is used for
// FormatJSON, mirroring the teacher CLI's status-command pattern; text
// renders a Tabular source as a tabwriter-aligned header+rows table and
// any other value as a key/value dump of its exported fields; csv
// requires v to implement Tabular.
func Render(v any, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(v, "", "  ")
	case FormatCSV:
		return renderCSV(v)
	case FormatText, "":
		return renderText(v)
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func renderCSV(v any) ([]byte, error) {
	t, ok := v.(Tabular)
	if !ok {
		return nil, fmt.Errorf("%T does not support csv output", v)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Header()); err != nil {
		return nil, err
	}
	for _, row := range t.Rows() {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderText(v any) ([]byte, error) {
	if t, ok := v.(Tabular); ok {
		return renderTextTable(t)
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 2, 2, ' ', 0)
	if err := writeFields(w, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderTextTable(t Tabular) ([]byte, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 2, 2, ' ', 0)
	header := t.Header()
	fmt.Fprintln(w, tabJoin(header))
	for _, row := range t.Rows() {
		fmt.Fprintln(w, tabJoin(row))
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func tabJoin(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += "\t"
		}
		out += f
	}
	return out
}

// writeFields walks a struct (or pointer to struct) and writes one
// "Name\tValue" line per exported field — the plain key/value dump used
// for result types with no natural tabular shape (e.g. a single Status).
func writeFields(w *tabwriter.Writer, rv reflect.Value) error {
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			fmt.Fprintln(w, "<nil>")
			return nil
		}
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct {
		fmt.Fprintf(w, "%v\n", rv.Interface())
		return nil
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		fmt.Fprintf(w, "%s\t%v\n", field.Name, rv.Field(i).Interface())
	}
	return nil
}
