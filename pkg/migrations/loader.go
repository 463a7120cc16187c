// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir reads every NNN_slug.up.sql file under root, pairing it with its
// sibling NNN_slug.down.sql (optional) and NNN_slug.yaml manifest
// (optional, hooks only), in filename order.
func LoadDir(root fs.FS) ([]*Migration, error) {
	upFiles, err := fs.Glob(root, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migration files: %w", err)
	}
	sort.Strings(upFiles)

	out := make([]*Migration, 0, len(upFiles))
	for _, upFile := range upFiles {
		slug := strings.TrimSuffix(path.Base(upFile), ".up.sql")

		forward, err := fs.ReadFile(root, upFile)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", upFile, err)
		}

		raw := RawMigration{ForwardSQL: string(forward)}

		if inverse, err := fs.ReadFile(root, slug+".down.sql"); err == nil {
			raw.InverseSQL = string(inverse)
		}

		if manifest, err := fs.ReadFile(root, slug+".yaml"); err == nil {
			var decoded struct {
				Hooks []HookDescriptor `yaml:"hooks"`
			}
			if err := yaml.Unmarshal(manifest, &decoded); err != nil {
				return nil, fmt.Errorf("parsing manifest for %s: %w", slug, err)
			}
			raw.Hooks = decoded.Hooks
		}

		out = append(out, raw.ToMigration(slug))
	}
	return out, nil
}
