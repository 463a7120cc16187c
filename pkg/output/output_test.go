// SPDX-License-Identifier: Apache-2.0

package output_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/pkg/output"
)

type statusResult struct {
	Schema string
	Status string
}

type rowResult struct {
	rows [][]string
}

func (r rowResult) Header() []string { return []string{"slug", "applied"} }
func (r rowResult) Rows() [][]string { return r.rows }

func TestRenderJSONRoundTrips(t *testing.T) {
	in := statusResult{Schema: "public", Status: "Complete"}
	out, err := output.Render(in, output.FormatJSON)
	require.NoError(t, err)

	var decoded statusResult
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, in, decoded)
}

func TestRenderTextDumpsStructFields(t *testing.T) {
	in := statusResult{Schema: "public", Status: "Complete"}
	out, err := output.Render(in, output.FormatText)
	require.NoError(t, err)
	require.Contains(t, string(out), "Schema")
	require.Contains(t, string(out), "public")
}

func TestRenderCSVRequiresTabular(t *testing.T) {
	in := statusResult{Schema: "public", Status: "Complete"}
	_, err := output.Render(in, output.FormatCSV)
	require.Error(t, err)

	rows := rowResult{rows: [][]string{{"001_init", "true"}}}
	out, err := output.Render(rows, output.FormatCSV)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(out), "slug,applied"))
	require.True(t, strings.Contains(string(out), "001_init,true"))
}

func TestRenderUnknownFormat(t *testing.T) {
	_, err := output.Render(statusResult{}, output.Format("xml"))
	require.Error(t, err)
}
