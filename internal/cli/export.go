package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentmem/memstore/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export items as JSON lines",
		Run:   runExport,
	}

	cmd.Flags().StringP("ns", "n", "", "Restrict to a namespace subtree")
	cmd.Flags().StringP("out", "o", "", "Output file (default: stdout)")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	nsPath, _ := cmd.Flags().GetString("ns")
	outPath, _ := cmd.Flags().GetString("out")

	var w io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			exitErr("create output", err)
		}
		defer f.Close()
		w = f
	}

	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	n, err := s.Export(cmd.Context(), w, model.ParseNamespace(nsPath))
	if err != nil {
		exitErr("export", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d items\n", n)
}
