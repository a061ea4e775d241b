package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentmem/memstore/internal/schema"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move the data alias to a new template version",
		Long: "Install the template for a new version and atomically repoint the data\n" +
			"alias. With --rollover the target index is created fresh; without it,\n" +
			"--index names an existing, already-reindexed target.",
		Run: runMigrate,
	}

	cmd.Flags().IntP("version", "v", 0, "Target template version (required)")
	cmd.Flags().Bool("rollover", false, "Create the target index from the new template")
	cmd.Flags().String("index", "", "Existing target index (when not rolling over)")

	cmd.MarkFlagRequired("version")

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	version, _ := cmd.Flags().GetInt("version")
	rollover, _ := cmd.Flags().GetBool("rollover")
	index, _ := cmd.Flags().GetString("index")

	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	res, err := s.Migrate(cmd.Context(), schema.MigrateParams{
		NewVersion: version,
		Rollover:   rollover,
		NewIndex:   index,
	})
	if err != nil {
		exitErr("migrate", err)
	}
	b, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(b))
}
