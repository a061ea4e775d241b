package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentmem/memstore/internal/model"
	"github.com/agentmem/memstore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete an item",
		Long:  "Delete an item. Deleting an absent item succeeds without effect.",
		Run:   runRm,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace path (required)")
	cmd.Flags().StringP("key", "k", "", "Item key (required)")

	cmd.MarkFlagRequired("ns")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	nsPath, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")

	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	deleted, err := s.Delete(cmd.Context(), store.DeleteParams{
		Namespace: model.ParseNamespace(nsPath),
		Key:       key,
	})
	if err != nil {
		exitErr("rm", err)
	}
	if deleted {
		fmt.Println("deleted")
	} else {
		fmt.Println("not found")
	}
}
