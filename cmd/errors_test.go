// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		Name     string
		Err      error
		Expected int
	}{
		{
			Name:     "nil error exits zero",
			Err:      nil,
			Expected: 0,
		},
		{
			Name:     "usage error exits two",
			Err:      UsageError{Err: errors.New("bad --object syntax")},
			Expected: 2,
		},
		{
			Name:     "fmt.Errorf wrapping a usage error still exits two",
			Err:      fmt.Errorf("registering intent: %w", UsageError{Err: errors.New("bad flag")}),
			Expected: 2,
		},
		{
			Name:     "any other error exits one",
			Err:      errors.New("advisory lock held by another agent"),
			Expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			assert.Equal(t, tt.Expected, ExitCode(tt.Err))
		})
	}
}
