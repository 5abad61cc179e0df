package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxinspect/internal/info"
	"github.com/falk/nxinspect/internal/pkg1"
	"github.com/falk/nxinspect/internal/sink"
)

var pkg1KeyGen int

var pkg1Cmd = &cobra.Command{
	Use:   "pkg1 <file>",
	Short: "Decrypt a Package1 boot-chain archive and extract its stages",
	Args:  cobra.ExactArgs(1),
	RunE:  runPkg1,
}

func init() {
	pkg1Cmd.Flags().IntVar(&pkg1KeyGen, "keygen", 0, "Key generation of this Package1 (0-indexed, matches package1_key_XX)")
}

func runPkg1(cmd *cobra.Command, args []string) error {
	applyLogLevel()
	ks, err := loadKeyset()
	if err != nil {
		return err
	}
	key := ks.Package1Key(pkg1KeyGen)
	if key == nil {
		return fmt.Errorf("pkg1: no package1_key_%02x in keyset", pkg1KeyGen)
	}

	v, closeFn, err := openView(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	p, err := pkg1.Open(v, key)
	if err != nil {
		return err
	}
	info.PrintPackage1(os.Stdout, p)

	if outDir != "" && !verifyOnly {
		return p.Extract(sink.Filesystem(outDir))
	}
	return nil
}
