package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxinspect/internal/info"
	"github.com/falk/nxinspect/internal/sink"
	"github.com/falk/nxinspect/internal/xci"
)

var xciCmd = &cobra.Command{
	Use:   "xci <file>",
	Short: "Parse an XCI gamecard image and list or extract its partitions",
	Args:  cobra.ExactArgs(1),
	RunE:  runXci,
}

func runXci(cmd *cobra.Command, args []string) error {
	applyLogLevel()
	v, closeFn, err := openView(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	img, err := xci.Open(v)
	if err != nil {
		return err
	}
	info.PrintXci(os.Stdout, img)

	if outDir != "" && !verifyOnly {
		return img.Extract(sink.Filesystem(outDir))
	}
	if verifyOnly {
		for _, p := range img.Partitions {
			for _, f := range p.Container.Files {
				ok, err := p.Container.VerifyFile(f)
				if err != nil || !ok {
					return fmt.Errorf("xci: %s/%s failed verification", p.Name, f.Name)
				}
			}
		}
	}
	return nil
}
