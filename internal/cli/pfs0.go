package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxinspect/internal/info"
	"github.com/falk/nxinspect/internal/pfs0"
	"github.com/falk/nxinspect/internal/sink"
)

var pfs0Cmd = &cobra.Command{
	Use:   "pfs0 <file>",
	Short: "Parse a standalone PFS0/HFS0 archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runPfs0,
}

func runPfs0(cmd *cobra.Command, args []string) error {
	applyLogLevel()
	v, closeFn, err := openView(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	c, err := pfs0.Open(v)
	if err != nil {
		return err
	}
	info.PrintPfs0(os.Stdout, c)

	if outDir != "" && !verifyOnly {
		return c.Extract(sink.Filesystem(outDir))
	}
	if verifyOnly {
		for _, f := range c.Files {
			ok, err := c.VerifyFile(f)
			if err != nil || !ok {
				return fmt.Errorf("pfs0: %s failed verification", f.Name)
			}
		}
	}
	return nil
}
