// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package runtime

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/facetlabs/facet/pkg/plugin"
)

// manifestNames are the file names discovery recognizes. JSON is canonical;
// YAML is accepted for hand-written manifests.
var manifestNames = map[string]bool{
	"plugin.json": true,
	"plugin.yaml": true,
	"plugin.yml":  true,
}

// Discover scans the given directories for plugin manifests and registers
// every one that parses and validates. Failures are logged and skipped; a
// bad manifest never aborts the scan. Returns the number of plugins
// registered.
func (m *Manager) Discover(ctx context.Context, paths []string) int {
	registered := 0
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				m.logger.Warn("discovery cannot read path",
					slog.String("path", path),
					slog.String("error", err.Error()))
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !manifestNames[d.Name()] {
				return nil
			}

			data, err := os.ReadFile(path)
			if err != nil {
				m.logger.Warn("discovery cannot read manifest",
					slog.String("path", path),
					slog.String("error", err.Error()))
				return nil
			}

			manifest, err := plugin.ParseManifest(data)
			if err != nil {
				m.logger.Warn("skipping invalid manifest",
					slog.String("path", path),
					slog.String("error", err.Error()))
				return nil
			}

			if err := m.Register(ctx, manifest); err != nil {
				m.logger.Warn("skipping manifest that failed registration",
					slog.String("path", path),
					slog.String("plugin", manifest.Name),
					slog.String("error", err.Error()))
				return nil
			}

			registered++
			return nil
		})
		if err != nil {
			m.logger.Warn("discovery scan failed",
				slog.String("path", root),
				slog.String("error", err.Error()))
		}
	}
	return registered
}
