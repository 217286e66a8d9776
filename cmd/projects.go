package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mantiscan/mantiscan/internal/mantis"
)

func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Lists the projects visible on the tracker",
		Long: `Fetches the tracker's listing page and prints every project found
in its project selector, along with the partition table each one maps to.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			session, err := a.Sessions().Current()
			if err != nil {
				session, err = a.Sessions().Refresh(cmd.Context())
				if err != nil {
					return fmt.Errorf("acquire session: %w", err)
				}
			}

			orch := a.Orchestrator(mantis.ScanModeFull, nil)
			projects, err := orch.EnumerateProjects(cmd.Context(), session)
			if err != nil {
				return fmt.Errorf("enumerate projects: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(projects)
		},
	}
	return cmd
}
