// Package cli implements the command-line driver: a cobra command tree
// whose persistent flags are registered with viper, with one subcommand per
// container kind. The subcommand selects the format; inputs are not
// identified by their magic.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"

	"github.com/falk/nxinspect/internal/keys"
)

var (
	keysPath    string
	titleKeyHex string
	outDir      string
	verifyOnly  bool
	debug       bool
	logLevel    slog.LevelVar
)

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "nxinspect",
	Short: "Inspect and extract Nintendo Switch binary container formats",
	Long: `nxinspect parses NCA, PFS0/HFS0, RomFS, XCI, Package1 and Package2
containers, verifies their embedded hashes and signatures where keys are
available, and can extract their contents to a directory.`,
}

// Execute runs the root command; called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().StringVar(&keysPath, "keys", "", "Path to a prod.keys-style keyset file (defaults to the first of ./prod.keys, ./keys.txt, ~/.switch/prod.keys, ~/.switch/keys.txt that exists)")
	rootCmd.PersistentFlags().StringVar(&titleKeyHex, "titlekey", "", "Override title key (hex) for rights-id crypto content")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&outDir, "outdir", "", "Directory to extract content into")
	rootCmd.PersistentFlags().BoolVar(&verifyOnly, "verify", false, "Only check hashes/signatures, skip extraction")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("NXINSPECT")
	viper.AutomaticEnv()

	rootCmd.AddCommand(ncaCmd, pfs0Cmd, romfsCmd, xciCmd, pkg1Cmd, pkg2Cmd, npdmCmd)
}

func applyLogLevel() {
	if debug {
		logLevel.Set(slog.LevelDebug)
	}
}

// loadKeyset resolves and loads the keyset every content-aware subcommand
// needs, deriving the key trees before returning.
func loadKeyset() (*keys.Keyset, error) {
	var ks *keys.Keyset
	var err error
	if keysPath != "" {
		ks, err = keys.Load(keysPath)
	} else {
		ks, err = keys.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("loading keyset: %w", err)
	}
	ks.DeriveKeys()
	return ks, nil
}
