package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"webintel/internal/agent"
	"webintel/internal/entity"
)

var (
	agentDryRun bool
	agentTopN   int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run reflective meta-loops over the knowledge graph",
}

var agentReflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Find and merge duplicate entities, flag data quality issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		svc := agent.NewService(a.store, a.merger, cfg.Agent, a.bus)
		report, err := svc.ReflectAndRefine(cmd.Context(), agentDryRun)
		if err != nil {
			return err
		}

		for _, g := range report.Groups {
			fmt.Printf("%s [%s]: %d members -> %s\n", g.Canonical, g.Kind, len(g.Members), g.Action)
		}
		for _, issue := range report.Issues {
			fmt.Printf("issue: %s (%s)\n", issue.Issue, issue.Name)
		}
		fmt.Printf("\nscanned %d entities, merged %d, %d issues\n",
			report.Run.Stats["entities_scanned"], report.Run.Stats["merged"], len(report.Issues))
		return nil
	},
}

var agentExploreCmd = &cobra.Command{
	Use:   "explore <entity-name...>",
	Short: "Rank graph neighbours worth crawling next",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		var roots []string
		for _, name := range args {
			e, err := a.store.FindLiveEntityByCanonical(entity.Canonical(name), "")
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("no entity named %q", name)
			}
			roots = append(roots, e.ID)
		}

		svc := agent.NewService(a.store, a.merger, cfg.Agent, a.bus)
		ranked, _, err := svc.ExploreAndPrioritize(cmd.Context(), roots, agentTopN)
		if err != nil {
			return err
		}
		for _, p := range ranked {
			fmt.Printf("%.3f  %-30s %-12s depth=%d relations=%d\n", p.Priority, p.Name, p.Kind, p.Depth, p.Relations)
		}
		return nil
	},
}

var agentInvestigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Analyze knowledge gaps and queue relation-investigation tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		svc := agent.NewService(a.store, a.merger, cfg.Agent, a.bus)
		report, err := svc.InvestigateAndRelate(cmd.Context())
		if err != nil {
			return err
		}

		for _, gap := range report.Gaps {
			if len(gap.Missing) == 0 {
				continue
			}
			fields := make([]string, len(gap.Missing))
			for i, m := range gap.Missing {
				fields[i] = m.Field
			}
			fmt.Printf("%-30s %3.0f%% complete, missing: %v\n", gap.EntityName, gap.Completeness*100, fields)
		}
		fmt.Printf("\nqueued %d investigation tasks\n", len(report.TaskIDs))
		return nil
	},
}

func init() {
	agentReflectCmd.Flags().BoolVar(&agentDryRun, "dry-run", false, "report duplicate groups without merging")
	agentExploreCmd.Flags().IntVar(&agentTopN, "top", 20, "number of suggestions")
	agentCmd.AddCommand(agentReflectCmd)
	agentCmd.AddCommand(agentExploreCmd)
	agentCmd.AddCommand(agentInvestigateCmd)
}
