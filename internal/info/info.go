// Package info renders human-readable summaries of decoded containers: the
// kind of information a CLI "info" or "verify" mode prints, independent of
// how the container was parsed.
package info

import (
	"fmt"
	"io"
	"strings"

	"github.com/falk/nxinspect/internal/bktr"
	"github.com/falk/nxinspect/internal/nca"
	"github.com/falk/nxinspect/internal/npdm"
	"github.com/falk/nxinspect/internal/pfs0"
	"github.com/falk/nxinspect/internal/pkg1"
	"github.com/falk/nxinspect/internal/pkg2"
	"github.com/falk/nxinspect/internal/xci"
)

func yesNo(b bool) string {
	if b {
		return "GOOD"
	}
	return "FAIL"
}

// PrintNca writes a per-section breakdown of a decoded NCA: content type,
// rights-id/key-area crypto mode, key generation, and the hash/signature
// verification results recorded so far.
func PrintNca(w io.Writer, n *nca.Nca) {
	h := n.Header
	fmt.Fprintf(w, "NCA: magic=%s content_type=%s key_generation=%d\n", h.Magic, h.ContentType, h.KeyGeneration)
	fmt.Fprintf(w, "  Program ID:    %016x\n", h.ProgramID)
	if h.HasRightsID() {
		fmt.Fprintf(w, "  Rights ID:     %x\n", h.RightsID)
	} else {
		fmt.Fprintf(w, "  Key area idx:  %d\n", h.KeyAreaIndex)
	}
	if h.SignatureValid != nil {
		fmt.Fprintf(w, "  Header sig:    %s\n", yesNo(*h.SignatureValid))
	}
	for i, fh := range h.FsHeaders {
		entry := h.SectionTables[i]
		if entry.MediaEndOffset <= entry.MediaStartOffset {
			continue
		}
		fmt.Fprintf(w, "  Section %d: crypto=%d hash=%d fs_header=%s\n",
			i, fh.CryptoType, fh.HashType, yesNo(n.SectionHashOK[i]))
	}
}

// PrintPfs0 writes the file listing of a decoded PFS0/HFS0.
func PrintPfs0(w io.Writer, c *pfs0.Container) {
	kind := "PFS0"
	if c.Kind == pfs0.KindHFS0 {
		kind = "HFS0"
	}
	fmt.Fprintf(w, "%s: %d files\n", kind, len(c.Files))
	for _, f := range c.Files {
		ok, err := c.VerifyFile(f)
		status := ""
		if c.Kind == pfs0.KindHFS0 {
			status = " " + yesNo(err == nil && ok)
		}
		fmt.Fprintf(w, "  %-48s 0x%09x bytes%s\n", f.Name, f.Size, status)
	}
}

// PrintXci writes the sub-partition table of a decoded XCI.
func PrintXci(w io.Writer, img *xci.Image) {
	fmt.Fprintf(w, "XCI: package_id=%016x\n", img.Header.PackageID)
	for _, p := range img.Partitions {
		fmt.Fprintf(w, "  Partition %-10s %d files\n", p.Name, len(p.Container.Files))
	}
}

// PrintPackage1 writes the three boot-chain stage sizes of a decoded
// Package1.
func PrintPackage1(w io.Writer, p *pkg1.Package1) {
	fmt.Fprintln(w, "Package1:")
	for _, e := range p.Entries {
		fmt.Fprintf(w, "  %-15s 0x%x bytes\n", e.Section, e.Size)
	}
}

// PrintPackage2 writes the section table and integrity results of a
// decoded Package2.
func PrintPackage2(w io.Writer, p *pkg2.Package2) {
	fmt.Fprintf(w, "Package2: version=%d cmac=%s entry=0x%x\n", p.Version, yesNo(p.CmacOK), p.EntryOffset)
	names := [4]string{"Kernel", "INI1", "Reserved2", "Reserved3"}
	for i, s := range p.Sections {
		if s.Size == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-10s 0x%09x bytes  hash=%s\n", names[i], s.Size, yesNo(s.HashOK))
	}
}

// PrintNpdm writes the ACI0/ACID summary of a decoded NPDM.
func PrintNpdm(w io.Writer, m *npdm.Metadata) {
	fmt.Fprintf(w, "NPDM: name=%q version=%d main_thread_priority=%d\n",
		m.Header.Name, m.Header.Version, m.Header.MainThreadPriority)
	if m.Aci0 != nil {
		fmt.Fprintf(w, "  ACI0 program_id=%016x\n", m.Aci0.ProgramID)
	}
	if m.Acid != nil {
		fmt.Fprintf(w, "  ACID program_id_range=[%016x, %016x] retail=%v\n",
			m.Acid.ProgramIDMin, m.Acid.ProgramIDMax, m.Acid.RetailFlag)
	}
}

// PrintBktrMismatches writes a one-line summary of a BKTR section's tables:
// the number of relocation and subsection segments. It reports no hash
// results.
func PrintBktrMismatches(w io.Writer, tables *bktr.Tables) {
	fmt.Fprintf(w, "BKTR: %d relocation segments, %d subsection segments\n",
		len(tables.Relocation), len(tables.Subsection))
}

// JoinPath builds a "/"-separated output-relative path from parts,
// matching the layout Extract functions hand to a sink.
func JoinPath(parts ...string) string {
	return strings.Join(parts, "/")
}
