package main

import (
	"fmt"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tzeusy/butlers/internal/config"
)

func newListCmd() *cobra.Command {
	var rosterDir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List butlers in the roster and whether they are running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configs, err := config.LoadRoster(rosterDir)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPORT\tSTATUS\tMODULES\tDESCRIPTION")
			for _, cfg := range configs {
				status := "stopped"
				if portOpen(cfg.Butler.Port) {
					status = "running"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					cfg.Butler.Name,
					cfg.Butler.Port,
					status,
					strings.Join(cfg.Butler.Modules, ","),
					cfg.Butler.Description,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&rosterDir, "dir", config.DefaultRosterDir, "roster directory")
	return cmd
}

// portOpen reports whether something answers on localhost:port.
func portOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
