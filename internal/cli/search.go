package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentmem/memstore/internal/config"
	"github.com/agentmem/memstore/internal/model"
	"github.com/agentmem/memstore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search items",
		Long: "Search items within a namespace subtree. Hybrid search fuses lexical\n" +
			"and vector rankings when an embedder is configured.",
		Run: runSearch,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace path to scope the search")
	cmd.Flags().StringP("mode", "m", "", "Search mode: auto, text, vector, hybrid")
	cmd.Flags().String("filter", "", "JSON object of metadata equality filters")
	cmd.Flags().IntP("limit", "l", 10, "Max results")
	cmd.Flags().Int("offset", 0, "Results to skip")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	nsPath, _ := cmd.Flags().GetString("ns")
	mode, _ := cmd.Flags().GetString("mode")
	filterStr, _ := cmd.Flags().GetString("filter")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	query := strings.Join(args, " ")

	var filter map[string]any
	if filterStr != "" {
		if err := json.Unmarshal([]byte(filterStr), &filter); err != nil {
			exitErr("parse filter", err)
		}
	}

	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	results, err := s.Search(cmd.Context(), store.SearchParams{
		Namespace: model.ParseNamespace(nsPath),
		Query:     query,
		Filter:    filter,
		Mode:      config.SearchMode(mode),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		exitErr("search", err)
	}

	if len(results) == 0 {
		fmt.Println("[]")
		return
	}
	b, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(b))
}
