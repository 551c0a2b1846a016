package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"webintel/internal/crawl"
	"webintel/internal/rag"
	"webintel/internal/types"
)

var (
	askEntity  string
	askOffline bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question...>",
	Short: "Answer a question over the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		stop := signalContext(cmd)
		defer stop()

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		var serp rag.SERP
		var crawler rag.Crawler
		if !askOffline {
			serp = rag.NewDuckDuckGo("")
			crawler = &liveCrawler{app: a, scope: askEntity}
		}
		answerer := rag.NewAnswerer(cfg.Chat, a.store, a.engine, a.index, a.llm, serp, crawler)

		resp, err := answerer.Answer(cmd.Context(), question, askEntity)
		if err != nil {
			return err
		}

		fmt.Println(resp.Answer)
		if len(resp.Context) > 0 {
			fmt.Println("\nSources:")
			for i, h := range resp.Context {
				if i >= 5 {
					break
				}
				fmt.Printf("  [%d] %.2f %s (%s)\n", i+1, h.Score, h.URL, h.Source)
			}
		}
		if resp.OnlineSearchTriggered {
			fmt.Println("\n(answer includes results from a live web search)")
		}
		return nil
	},
}

// liveCrawler runs a short exploration session for the answerer's
// fourth phase. The score threshold is halved so search-derived seeds
// and their immediate outlinks actually get visited.
type liveCrawler struct {
	app   *app
	scope string
}

func (c *liveCrawler) Crawl(ctx context.Context, seeds []string, maxPages int) error {
	crawlCfg := cfg.Crawl
	crawlCfg.MaxTotalPages = maxPages
	crawlCfg.ScoreThreshold = crawlCfg.ScoreThreshold / 2

	name := c.scope
	if name == "" {
		name = "research target"
	}
	explorer, err := crawl.NewExplorer(crawl.Options{
		Profile: types.EntityProfile{Name: name, Kind: "entity"},
		Config:  crawlCfg,
		Store:   c.app.store,
		Merger:  c.app.merger,
		LLM:     c.app.llm,
		Engine:  c.app.engine,
		Index:   c.app.index,
		Bus:     c.app.bus,
	})
	if err != nil {
		return err
	}
	_, err = explorer.Run(ctx, seeds)
	return err
}

func init() {
	askCmd.Flags().StringVar(&askEntity, "entity", "", "narrow retrieval to one entity")
	askCmd.Flags().BoolVar(&askOffline, "offline", false, "never trigger a live web search")
}
