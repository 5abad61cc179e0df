package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxinspect/internal/info"
	"github.com/falk/nxinspect/internal/pkg2"
	"github.com/falk/nxinspect/internal/sink"
)

var pkg2KeyGen int

var pkg2Cmd = &cobra.Command{
	Use:   "pkg2 <file>",
	Short: "Decrypt a Package2 kernel/INI1 archive and extract its sections",
	Args:  cobra.ExactArgs(1),
	RunE:  runPkg2,
}

func init() {
	pkg2Cmd.Flags().IntVar(&pkg2KeyGen, "keygen", 0, "Key generation of this Package2 (0-indexed, matches package2_key_XX)")
}

func runPkg2(cmd *cobra.Command, args []string) error {
	applyLogLevel()
	ks, err := loadKeyset()
	if err != nil {
		return err
	}
	key := ks.Package2Key(pkg2KeyGen)
	if key == nil {
		return fmt.Errorf("pkg2: no package2_key_%02x in keyset", pkg2KeyGen)
	}

	v, closeFn, err := openView(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	p, err := pkg2.Open(v, key)
	if err != nil {
		return err
	}
	info.PrintPackage2(os.Stdout, p)

	if outDir != "" && !verifyOnly {
		return p.Extract(sink.Filesystem(outDir))
	}
	return nil
}
