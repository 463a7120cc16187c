// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/pkg/coordinate"
)

func TestSplitN(t *testing.T) {
	tests := []struct {
		Name     string
		Input    string
		N        int
		Expected []string
	}{
		{Name: "two parts", Input: "public.accounts", N: 3, Expected: []string{"public", "accounts"}},
		{Name: "three parts", Input: "public.accounts.email", N: 3, Expected: []string{"public", "accounts", "email"}},
		{Name: "extra dots land in the final part", Input: "public.accounts.a.b", N: 3, Expected: []string{"public", "accounts", "a.b"}},
		{Name: "no separator", Input: "accounts", N: 3, Expected: []string{"accounts"}},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			assert.Equal(t, tt.Expected, splitN(tt.Input, '.', tt.N))
		})
	}
}

func TestParseObjectRefs(t *testing.T) {
	refs, err := parseObjectRefs([]string{"public.accounts", "public.accounts.email"})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, coordinate.ObjectRef{Schema: "public", Table: "accounts"}, refs[0])
	assert.Equal(t, coordinate.ObjectRef{Schema: "public", Table: "accounts", Column: "email"}, refs[1])

	_, err = parseObjectRefs([]string{"accounts"})
	assert.Error(t, err)
}
