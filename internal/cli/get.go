package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentmem/memstore/internal/model"
	"github.com/agentmem/memstore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Retrieve an item",
		Run:   runGet,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace path (required)")
	cmd.Flags().StringP("key", "k", "", "Item key (required)")
	cmd.Flags().Bool("refresh-ttl", false, "Push the item's expiry forward on this read")

	cmd.MarkFlagRequired("ns")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	nsPath, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")

	p := store.GetParams{
		Namespace: model.ParseNamespace(nsPath),
		Key:       key,
	}
	if cmd.Flags().Changed("refresh-ttl") {
		refresh, _ := cmd.Flags().GetBool("refresh-ttl")
		p.RefreshTTL = &refresh
	}

	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	item, err := s.Get(cmd.Context(), p)
	if err != nil {
		exitErr("get", err)
	}
	b, _ := json.Marshal(item)
	fmt.Println(string(b))
}
