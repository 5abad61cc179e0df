package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxinspect/internal/info"
	"github.com/falk/nxinspect/internal/npdm"
)

var npdmCmd = &cobra.Command{
	Use:   "npdm <file>",
	Short: "Parse a main.npdm process descriptor",
	Args:  cobra.ExactArgs(1),
	RunE:  runNpdm,
}

func runNpdm(cmd *cobra.Command, args []string) error {
	applyLogLevel()
	v, closeFn, err := openView(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	m, err := npdm.Open(v)
	if err != nil {
		return err
	}
	info.PrintNpdm(os.Stdout, m)
	return nil
}
