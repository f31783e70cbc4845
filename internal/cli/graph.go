package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"wmonorepo/internal/scheduler"
)

func newGraphCmd(a *app) *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "graph <task>",
		Short: "Print the execution order of a task without running it",
		Long: `Plan a task and print its nodes in topological order, one per line,
followed by the nodes each one waits for.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := a.discover()
			if err != nil {
				return err
			}
			selected, err := selectWorkspaces(set, filters)
			if err != nil {
				return err
			}
			g, err := scheduler.Plan(scheduler.Request{
				Task:       args[0],
				Set:        set,
				Workspaces: selected,
				Pipeline:   a.repo.Pipeline,
			})
			if err != nil {
				return err
			}
			for _, id := range g.TopologicalOrder() {
				deps := g.Dependencies(id)
				if len(deps) == 0 {
					a.printf("%s\n", id)
					continue
				}
				names := make([]string, len(deps))
				for i, d := range deps {
					names[i] = string(d)
				}
				a.printf("%s <- %s\n", id, strings.Join(names, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&filters, "filter", "F", nil, "Only plan these workspaces (and what they depend on)")
	return cmd
}
