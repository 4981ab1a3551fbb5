package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tzeusy/butlers/internal/config"
)

const butlerTOMLTemplate = `[butler]
name = %q
port = %d
description = ""
modules = ["schedule", "state", "mailbox"]
runtime = "gemini"
max_concurrent_sessions = 1

# [[butler.schedule]]
# name = "morning-briefing"
# cron = "0 9 * * *"
# prompt = "Summarize anything that needs my attention today."
`

func newInitCmd() *cobra.Command {
	var (
		rosterDir string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Scaffold a new butler directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			dir := filepath.Join(rosterDir, name)
			configPath := filepath.Join(dir, config.ConfigFileName)

			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("butler %q already exists at %s", name, dir)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create butler dir: %w", err)
			}

			contents := fmt.Sprintf(butlerTOMLTemplate, name, port)
			if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", configPath, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Scaffolded butler %q at %s\n", name, dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&rosterDir, "dir", config.DefaultRosterDir, "roster directory")
	cmd.Flags().IntVar(&port, "port", 8100, "tool server port")
	return cmd
}
