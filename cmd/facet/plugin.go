// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	faceterr "github.com/facetlabs/facet/pkg/errors"
	"github.com/facetlabs/facet/pkg/plugin"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage plugins",
		Long:  "List discovered plugins and validate plugin manifests.",
	}

	cmd.AddCommand(
		newPluginListCmd(),
		newPluginValidateCmd(),
		newPluginInspectCmd(),
	)

	return cmd
}

var manifestNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// scanManifests walks the configured plugin paths and parses every manifest
// it finds. Unreadable or invalid manifests are reported on the error list
// rather than aborting the scan.
func scanManifests(paths []string) ([]*plugin.Manifest, []error) {
	var manifests []*plugin.Manifest
	var errs []error

	isManifest := func(name string) bool {
		for _, m := range manifestNames {
			if name == m {
				return true
			}
		}
		return false
	}

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				errs = append(errs, err)
				if d == nil {
					return filepath.SkipAll
				}
				return nil
			}
			if d.IsDir() || !isManifest(d.Name()) {
				return nil
			}
			m, perr := readManifest(path)
			if perr != nil {
				errs = append(errs, perr)
				return nil
			}
			manifests = append(manifests, m)
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return manifests, errs
}

// readManifest parses the manifest at path. A directory is accepted and
// searched for plugin.json / plugin.yaml / plugin.yml.
func readManifest(path string) (*plugin.Manifest, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		found := ""
		for _, name := range manifestNames {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				found = candidate
				break
			}
		}
		if found == "" {
			return nil, faceterr.Errorf(faceterr.CodeCLIInputInvalid,
				"no plugin manifest found in %s", path)
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faceterr.Wrapf(err, faceterr.CodeCLIInputInvalid, "reading %s", path)
	}
	m, err := plugin.ParseManifest(data)
	if err != nil {
		return nil, faceterr.Wrapf(err, faceterr.CodeCLIInputInvalid, "parsing %s", path)
	}
	return m, nil
}

func newPluginListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plugins discovered in the configured paths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			manifests, errs := scanManifests(cfg.Plugins.Paths)
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", e)
			}
			if len(manifests) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No plugins found")
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tCATEGORY\tENTRYPOINT")
			for _, m := range manifests {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.Version, m.Category, m.EntryPoint)
			}
			return w.Flush()
		},
	}
}

func newPluginValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a plugin manifest (file or plugin directory)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := readManifest(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%s %s)\n", args[0], m.Name, m.Version)
			return err
		},
	}
}

func newPluginInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [manifest]",
		Short: "Show a plugin manifest's declarations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := readManifest(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:        %s\n", m.Name)
			fmt.Fprintf(out, "Version:     %s\n", m.Version)
			fmt.Fprintf(out, "Category:    %s\n", m.Category)
			fmt.Fprintf(out, "EntryPoint:  %s\n", m.EntryPoint)
			if m.Description != "" {
				fmt.Fprintf(out, "Description: %s\n", m.Description)
			}
			if m.Author != "" {
				fmt.Fprintf(out, "Author:      %s\n", m.Author)
			}
			if len(m.Permissions) > 0 {
				fmt.Fprintln(out, "Permissions:")
				for _, p := range m.Permissions {
					fmt.Fprintf(out, "  - %s:%s\n", p.Resource, p.Access)
				}
			}
			if len(m.Dependencies) > 0 {
				fmt.Fprintln(out, "Dependencies:")
				for _, d := range m.Dependencies {
					optional := ""
					if d.Optional {
						optional = " (optional)"
					}
					fmt.Fprintf(out, "  - %s %s%s\n", d.Name, d.Version, optional)
				}
			}
			return nil
		},
	}
}
