package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentmem/memstore/internal/ttl"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired items and settle namespace counters",
		Run:   runSweep,
	}

	cmd.Flags().Int("batch-size", 0, "Documents per batch (0 uses the configured size)")
	cmd.Flags().Int("max-batches", 0, "Stop after this many batches (0 = sweep everything)")

	RootCmd.AddCommand(cmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	maxBatches, _ := cmd.Flags().GetInt("max-batches")

	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	res, err := s.Sweep(cmd.Context(), ttl.SweepParams{
		BatchSize:  batchSize,
		MaxBatches: maxBatches,
	})
	if err != nil {
		exitErr("sweep", err)
	}
	b, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(b))
}
