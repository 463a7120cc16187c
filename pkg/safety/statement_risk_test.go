// SPDX-License-Identifier: Apache-2.0

package safety_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/pkg/safety"
)

func findingFor(t *testing.T, sqlText string) []struct {
	Severity string
	Message  string
} {
	t.Helper()
	p := safety.New(nil)
	findings, err := p.RunImpactSQL(sqlText)
	require.NoError(t, err)
	out := make([]struct {
		Severity string
		Message  string
	}, len(findings))
	for i, f := range findings {
		out[i].Severity = f.Severity
		out[i].Message = f.Message
	}
	return out
}

func TestRunImpactSQLClassifiesDropTableAsError(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "DROP TABLE widgets")
	require.Len(t, findings, 1)
	assert.Equal(t, "error", findings[0].Severity)
}

func TestRunImpactSQLClassifiesTruncateAsError(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "TRUNCATE widgets")
	require.Len(t, findings, 1)
	assert.Equal(t, "error", findings[0].Severity)
}

func TestRunImpactSQLClassifiesCreateIndexConcurrentlyAsSafe(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "CREATE INDEX CONCURRENTLY idx_widgets_name ON widgets (name)")
	assert.Empty(t, findings)
}

func TestRunImpactSQLClassifiesCreateIndexWithoutConcurrentlyAsWarning(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "CREATE INDEX idx_widgets_name ON widgets (name)")
	require.Len(t, findings, 1)
	assert.Equal(t, "warning", findings[0].Severity)
}

func TestRunImpactSQLClassifiesDropColumnAsError(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "ALTER TABLE widgets DROP COLUMN name")
	require.Len(t, findings, 1)
	assert.Equal(t, "error", findings[0].Severity)
}

func TestRunImpactSQLClassifiesAddColumnNotNullWithoutDefaultAsError(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "ALTER TABLE widgets ADD COLUMN name text NOT NULL")
	require.Len(t, findings, 1)
	assert.Equal(t, "error", findings[0].Severity)
}

func TestRunImpactSQLClassifiesAddColumnNotNullWithDefaultAsSafe(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "ALTER TABLE widgets ADD COLUMN name text NOT NULL DEFAULT ''")
	assert.Empty(t, findings)
}

func TestRunImpactSQLClassifiesAddConstraintNotValidAsSafe(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "ALTER TABLE widgets ADD CONSTRAINT widgets_name_check CHECK (name <> '') NOT VALID")
	assert.Empty(t, findings)
}

func TestRunImpactSQLClassifiesAddConstraintValidatingAsWarning(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "ALTER TABLE widgets ADD CONSTRAINT widgets_name_check CHECK (name <> '')")
	require.Len(t, findings, 1)
	assert.Equal(t, "warning", findings[0].Severity)
}

func TestRunImpactSQLClassifiesAlterColumnTypeAsWarning(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "ALTER TABLE widgets ALTER COLUMN price TYPE numeric")
	require.Len(t, findings, 1)
	assert.Equal(t, "warning", findings[0].Severity)
}

func TestRunImpactSQLClassifiesPlainCreateTableAsSafe(t *testing.T) {
	t.Parallel()
	findings := findingFor(t, "CREATE TABLE widgets (id uuid PRIMARY KEY)")
	assert.Empty(t, findings)
}
