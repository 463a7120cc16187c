// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopoSortTableNames(t *testing.T) {
	tests := []struct {
		Name     string
		Names    []string
		Deps     map[string][]string
		Expected []string
		WantErr  bool
	}{
		{
			Name:     "no dependencies sorts lexically",
			Names:    []string{"orders", "customers"},
			Deps:     map[string][]string{},
			Expected: []string{"customers", "orders"},
		},
		{
			Name:     "referenced table sorts before referencing table",
			Names:    []string{"orders", "customers"},
			Deps:     map[string][]string{"orders": {"customers"}},
			Expected: []string{"customers", "orders"},
		},
		{
			Name:  "dependency outside the set is ignored",
			Names: []string{"orders"},
			Deps:  map[string][]string{"orders": {"customers"}},
			// "customers" isn't in inSet, so it's never visited or emitted.
			Expected: []string{"orders"},
		},
		{
			Name:    "circular dependency is an error",
			Names:   []string{"a", "b"},
			Deps:    map[string][]string{"a": {"b"}, "b": {"a"}},
			WantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			inSet := make(map[string]bool, len(tt.Names))
			for _, n := range tt.Names {
				inSet[n] = true
			}

			got, err := topoSortTableNames(tt.Names, tt.Deps, inSet)
			if tt.WantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.Expected, got)
		})
	}
}
