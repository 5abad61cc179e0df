// Command nxinspect inspects and extracts Nintendo Switch binary container
// formats offline: NCA, PFS0/HFS0, RomFS, XCI, Package1, Package2, and NPDM.
package main

import "github.com/falk/nxinspect/internal/cli"

func main() {
	cli.Execute()
}
