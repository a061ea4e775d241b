package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentmem/memstore/internal/ledger"
	"github.com/agentmem/memstore/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ns",
		Short: "List namespaces with their statistics",
		Run:   runNs,
	}

	cmd.Flags().StringP("prefix", "p", "", "Restrict to namespaces under this path")
	cmd.Flags().Bool("all", false, "Include emptied namespaces")
	cmd.Flags().IntP("limit", "l", 0, "Max namespaces (0 = no limit)")

	RootCmd.AddCommand(cmd)
}

func runNs(cmd *cobra.Command, args []string) {
	prefix, _ := cmd.Flags().GetString("prefix")
	all, _ := cmd.Flags().GetBool("all")
	limit, _ := cmd.Flags().GetInt("limit")

	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	entries, err := s.ListNamespaces(cmd.Context(), ledger.ListParams{
		Prefix:       model.ParseNamespace(prefix),
		IncludeEmpty: all,
		Limit:        limit,
	})
	if err != nil {
		exitErr("ns", err)
	}

	if len(entries) == 0 {
		fmt.Println("[]")
		return
	}
	b, _ := json.MarshalIndent(entries, "", "  ")
	fmt.Println(string(b))
}
