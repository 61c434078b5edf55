// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/facetlabs/facet/internal/host"
)

// Build-time variables set via ldflags.
var (
	commit = "unknown"
	date   = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print facet version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "facet %s (commit: %s, built: %s)\n",
				host.Version, commit, date)
			return err
		},
	}
}
