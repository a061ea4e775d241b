package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store-wide statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	stats, err := s.GetStats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
}
