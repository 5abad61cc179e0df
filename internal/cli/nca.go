package cli

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxinspect/internal/containererr"
	"github.com/falk/nxinspect/internal/info"
	"github.com/falk/nxinspect/internal/ivfc"
	"github.com/falk/nxinspect/internal/nca"
	"github.com/falk/nxinspect/internal/pfs0"
	"github.com/falk/nxinspect/internal/romfs"
	"github.com/falk/nxinspect/internal/sink"
	"github.com/falk/nxinspect/internal/storage"
)

var baseNcaPath string
var contentKeyHex string

var ncaCmd = &cobra.Command{
	Use:   "nca <file>",
	Short: "Parse an NCA, verify its sections, and optionally extract them",
	Args:  cobra.ExactArgs(1),
	RunE:  runNca,
}

func init() {
	ncaCmd.Flags().StringVar(&baseNcaPath, "base", "", "Base NCA, required to decode a BKTR (update) RomFS section")
	ncaCmd.Flags().StringVar(&contentKeyHex, "contentkey", "", "Override body decryption key (hex), bypassing key-area/title-key derivation")
}

func runNca(cmd *cobra.Command, args []string) error {
	applyLogLevel()

	var titleKeyOverride []byte
	if titleKeyHex != "" {
		var err error
		titleKeyOverride, err = hex.DecodeString(titleKeyHex)
		if err != nil {
			return fmt.Errorf("invalid --titlekey: %w", err)
		}
	}
	var contentKeyOverride []byte
	if contentKeyHex != "" {
		var err error
		contentKeyOverride, err = hex.DecodeString(contentKeyHex)
		if err != nil {
			return fmt.Errorf("invalid --contentkey: %w", err)
		}
	}

	ks, err := loadKeyset()
	if err != nil {
		return err
	}

	v, closeFn, err := openView(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := nca.Open(v, ks)
	if err != nil {
		return err
	}

	if err := n.ResolveTitleKey(titleKeyOverride); err != nil {
		slog.Warn("title key unresolved, rights-id sections will fail to decrypt", "error", err)
	}

	if verifyOnly {
		if anchors, ok := ks.TrustAnchors(); ok {
			n.Verify(anchors)
		} else {
			slog.Warn("no trust anchor configured (header_sig_key_modulus), skipping header signature check")
		}
	}

	var base storage.View
	if baseNcaPath != "" {
		baseV, baseClose, err := openView(baseNcaPath)
		if err != nil {
			return err
		}
		defer baseClose()
		baseN, err := nca.Open(baseV, ks)
		if err != nil {
			return err
		}
		if err := baseN.ResolveTitleKey(nil); err != nil {
			slog.Warn("base NCA title key unresolved", "error", err)
		}
		for i := range baseN.Header.FsHeaders {
			entry := baseN.Header.SectionTables[i]
			if entry.MediaEndOffset <= entry.MediaStartOffset {
				continue
			}
			if baseN.Header.FsHeaders[i].Partition() != nca.PartitionRomFS {
				continue
			}
			sec, err := baseN.OpenSection(i, nil, nil)
			if err != nil {
				return err
			}
			base = sec.View
			break
		}
	}

	info.PrintNca(os.Stdout, n)

	for i := range n.Header.FsHeaders {
		entry := n.Header.SectionTables[i]
		if entry.MediaEndOffset <= entry.MediaStartOffset {
			continue
		}
		sec, err := n.OpenSection(i, contentKeyOverride, base)
		if err != nil {
			if containererr.Is(err, containererr.KindMissingKey) || containererr.Is(err, containererr.KindMissingBase) {
				slog.Warn("section unavailable", "section", i, "error", err)
				continue
			}
			return err
		}
		if err := processSection(sec, i); err != nil {
			return err
		}
	}
	return nil
}

func processSection(sec *nca.Section, index int) error {
	view := maybeDecompress(sec.View)
	switch sec.Header.Partition() {
	case nca.PartitionPFS0:
		c, err := pfs0.Open(view)
		if err != nil {
			slog.Warn("pfs0 section failed to parse", "section", index, "error", err)
			return nil
		}
		info.PrintPfs0(os.Stdout, c)
		if outDir != "" && !verifyOnly {
			dir := fmt.Sprintf("%s/section%d", outDir, index)
			return c.Extract(sink.Filesystem(dir))
		}
	case nca.PartitionRomFS:
		r, err := romfs.Open(view)
		if err != nil {
			slog.Warn("romfs section failed to parse", "section", index, "error", err)
			return nil
		}
		if ivfcOK := verifyRomfsIvfc(sec, view); !ivfcOK {
			slog.Warn("romfs section failed IVFC verification", "section", index)
		}
		if outDir != "" && !verifyOnly {
			dir := fmt.Sprintf("%s/section%d", outDir, index)
			return r.Extract(sink.Filesystem(dir))
		}
	}
	return nil
}

func verifyRomfsIvfc(sec *nca.Section, view storage.View) bool {
	if sec.Header.HashType != 4 { // HashIvfc
		return true
	}
	var levels []ivfc.LevelDescriptor
	for _, l := range sec.Header.IvfcLevels {
		if l.Size == 0 {
			continue
		}
		levels = append(levels, ivfc.LevelDescriptor{Offset: l.Offset, Size: l.Size, BlockSize: int64(1) << l.BlockSize})
	}
	if len(levels) == 0 {
		return true
	}
	verifier := ivfc.New(view, levels, sec.Header.MasterHash)
	data := levels[len(levels)-1]
	step := data.BlockSize
	for off := int64(0); off < data.Size; off += step {
		ok, err := verifier.VerifyDataBlock(data.Offset + off)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
