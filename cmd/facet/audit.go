// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/facetlabs/facet/internal/store"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the security audit log",
		Long:  "Read audit entries from the configured audit store. Only the sqlite backend persists across runs.",
		RunE:  runAudit,
	}

	cmd.Flags().String("plugin", "", "filter by plugin name")
	cmd.Flags().String("action", "", "filter by action")
	cmd.Flags().String("result", "", "filter by result (allowed, denied, accepted, rejected)")
	cmd.Flags().Int("limit", 50, "maximum entries to show")

	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := store.Open(store.Config{Backend: cfg.Audit.Backend, DSN: cfg.Audit.Path})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	pluginName, _ := cmd.Flags().GetString("plugin")
	action, _ := cmd.Flags().GetString("action")
	result, _ := cmd.Flags().GetString("result")
	limit, _ := cmd.Flags().GetInt("limit")

	entries, err := st.Query(cmd.Context(), store.AuditFilter{
		Plugin: pluginName,
		Action: action,
		Result: result,
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "No audit entries")
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tPLUGIN\tACTION\tOPERATION\tRESULT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Plugin, e.Action, e.Operation, e.Result)
	}
	return w.Flush()
}
