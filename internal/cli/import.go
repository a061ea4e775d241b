package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import items from JSON lines",
		Long:  "Import items produced by export, from a file or stdin.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var r io.Reader = os.Stdin
	if len(args) > 0 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open input", err)
		}
		defer f.Close()
		r = f
	}

	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	n, err := s.Import(cmd.Context(), r)
	if err != nil {
		exitErr("import", err)
	}
	fmt.Fprintf(os.Stderr, "imported %d items\n", n)
}
