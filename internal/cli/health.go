package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report backend reachability and schema state",
		Run:   runHealth,
	}

	RootCmd.AddCommand(cmd)
}

func runHealth(cmd *cobra.Command, args []string) {
	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	h := s.GetHealth(cmd.Context())
	b, _ := json.MarshalIndent(h, "", "  ")
	fmt.Println(string(b))
	if h.Status == "red" {
		os.Exit(1)
	}
}
