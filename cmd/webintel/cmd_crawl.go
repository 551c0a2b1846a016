package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"webintel/internal/crawl"
	"webintel/internal/events"
	"webintel/internal/types"
)

var (
	crawlName     string
	crawlKind     string
	crawlLocation string
	crawlDomains  []string
	crawlAliases  []string
	crawlMaxPages int
	crawlMaxDepth int
	crawlLLMRank  bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [seed-url...]",
	Short: "Explore the web around a target entity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, seeds []string) error {
		if crawlName == "" {
			return fmt.Errorf("--name is required")
		}
		stop := signalContext(cmd)
		defer stop()

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		crawlCfg := cfg.Crawl
		if crawlMaxPages > 0 {
			crawlCfg.MaxTotalPages = crawlMaxPages
		}
		if crawlMaxDepth > 0 {
			crawlCfg.MaxDepth = crawlMaxDepth
		}
		crawlCfg.UseLLMLinkRank = crawlCfg.UseLLMLinkRank || crawlLLMRank

		ch, unsub := a.bus.Subscribe(256)
		defer unsub()
		go func() {
			for ev := range ch {
				switch ev.Type {
				case events.TypePageExplored:
					fmt.Printf("  + %s\n", ev.Subject)
				case events.TypePageSkipped:
					fmt.Printf("  - %s (%v)\n", ev.Subject, ev.Detail["reason"])
				}
			}
		}()

		explorer, err := crawl.NewExplorer(crawl.Options{
			Profile: types.EntityProfile{
				Name:            crawlName,
				Kind:            crawlKind,
				Location:        crawlLocation,
				OfficialDomains: crawlDomains,
				Aliases:         crawlAliases,
			},
			Config: crawlCfg,
			Store:  a.store,
			Merger: a.merger,
			LLM:    a.llm,
			Engine: a.engine,
			Index:  a.index,
			Bus:    a.bus,
		})
		if err != nil {
			return err
		}

		explored, err := explorer.Run(cmd.Context(), seeds)
		if err != nil {
			return err
		}
		fmt.Printf("\nExplored %d pages into database %q\n", len(explored), a.db.Name)
		return nil
	},
}

func init() {
	crawlCmd.Flags().StringVar(&crawlName, "name", "", "target entity name (required)")
	crawlCmd.Flags().StringVar(&crawlKind, "kind", "company", "entity kind (company, person, ...)")
	crawlCmd.Flags().StringVar(&crawlLocation, "location", "", "location hint for scoring")
	crawlCmd.Flags().StringSliceVar(&crawlDomains, "official-domain", nil, "known official domains")
	crawlCmd.Flags().StringSliceVar(&crawlAliases, "alias", nil, "alternative entity names")
	crawlCmd.Flags().IntVar(&crawlMaxPages, "max-pages", 0, "override max total pages")
	crawlCmd.Flags().IntVar(&crawlMaxDepth, "max-depth", 0, "override max crawl depth")
	crawlCmd.Flags().BoolVar(&crawlLLMRank, "llm-rank", false, "let the model rank outlinks")
}
