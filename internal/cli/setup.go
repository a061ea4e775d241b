package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Install the index template, indices, and alias",
		Long:  "Install the schema. Safe to run repeatedly; an existing installation is verified.",
		Run:   runSetup,
	}

	RootCmd.AddCommand(cmd)
}

func runSetup(cmd *cobra.Command, args []string) {
	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	if err := s.Setup(cmd.Context()); err != nil {
		exitErr("setup", err)
	}
	fmt.Println("ok")
}
