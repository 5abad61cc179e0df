package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxinspect/internal/romfs"
	"github.com/falk/nxinspect/internal/sink"
)

var romfsCmd = &cobra.Command{
	Use:   "romfs <file>",
	Short: "Parse a standalone RomFS image and list or extract its contents",
	Args:  cobra.ExactArgs(1),
	RunE:  runRomfs,
}

func runRomfs(cmd *cobra.Command, args []string) error {
	applyLogLevel()
	v, closeFn, err := openView(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	r, err := romfs.Open(v)
	if err != nil {
		return err
	}

	if outDir != "" && !verifyOnly {
		return r.Extract(sink.Filesystem(outDir))
	}

	paths, err := r.ListPaths()
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(os.Stdout, p)
	}
	return nil
}
