package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/embed"
	"github.com/JakeFAU/sitesearch/internal/storage"
)

// newSearchCmd creates the 'search' subcommand. It reads the index directly,
// so it works whether or not 'serve' is running.
func newSearchCmd() *cobra.Command {
	var (
		semantic bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Queries the local index",
		Long: `Runs a BM25 keyword query against every indexed page, or with
--semantic ranks pages by their best-matching sentence.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "), semantic, limit)
		},
	}
	cmd.Flags().BoolVar(&semantic, "semantic", false, "rank by sentence embeddings instead of keywords")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func runSearch(cmd *cobra.Command, text string, semantic bool, limit int) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	if limit <= 0 {
		return fmt.Errorf("limit must be > 0")
	}
	idx, err := storage.Open(cfg.IndexDir(), cfg.Embedding.Dimensions, nil)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	var results []crawler.SearchResult
	if semantic {
		embedder, err := embed.New(cfg.Embedding.Dimensions, cfg.Crawler.MaxSentences)
		if err != nil {
			return fmt.Errorf("init embedder: %w", err)
		}
		vec, err := embedder.EmbedQuery(cmd.Context(), text)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		results, err = idx.SemanticQuery(cmd.Context(), vec, text, limit)
		if err != nil {
			return fmt.Errorf("semantic query: %w", err)
		}
	} else {
		results, err = idx.KeywordQuery(cmd.Context(), text, limit)
		if err != nil {
			return fmt.Errorf("keyword query: %w", err)
		}
	}
	printResults(cmd.OutOrStdout(), results)
	return nil
}

func printResults(w io.Writer, results []crawler.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no results")
		return
	}
	for i, r := range results {
		title := r.Record.Title
		if title == "" {
			title = r.Record.URL
		}
		fmt.Fprintf(w, "%2d. %s  (%.3f)\n    %s\n", i+1, title, r.Score, r.Record.URL)
		if r.Snippet != "" {
			fmt.Fprintf(w, "    %s\n", strings.Join(strings.Fields(r.Snippet), " "))
		}
	}
}
