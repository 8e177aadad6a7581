package cli

import (
	"fmt"
	"io"
	"strings"

	"cellgain.ddns.net/cellgain-public/update-client/application"
	"cellgain.ddns.net/cellgain-public/update-client/downloader"
	"cellgain.ddns.net/cellgain-public/update-client/header"
)

func printResult(w io.Writer, r downloader.Result, err error) {
	fmt.Fprintf(w, "slot %d at 0x%08x: received %d bytes (%d pages)\n", r.Slot, r.Address, r.Received, r.Pages)
	switch {
	case err != nil:
		fmt.Fprintf(w, "  reception failed: %v\n", err)
	case r.Comparison != nil:
		fmt.Fprintln(w, "  compared with active application:", describeComparison(r.Comparison))
	case r.CompareErr != nil:
		fmt.Fprintf(w, "  not compared with active application: %v\n", r.CompareErr)
	}
}

func describeComparison(c *application.Comparison) string {
	if c.Identical() {
		return "identical"
	}
	var diffs []string
	for _, d := range []struct {
		set  bool
		name string
	}{
		{c.MagicDiffers, "magic"},
		{c.HeaderVersionDiffers, "header version"},
		{c.VersionDiffers, "version"},
		{c.SizeDiffers, "size"},
		{c.HashDiffers, "hash"},
		{c.BinariesCompared && !c.BinariesMatch, fmt.Sprintf("content from offset %d", c.MismatchOffset)},
	} {
		if d.set {
			diffs = append(diffs, d.name)
		}
	}
	return "differs in " + strings.Join(diffs, ", ")
}

func printApplication(w io.Writer, name string, app *application.Application) {
	fmt.Fprintf(w, "%s: header 0x%08x, firmware 0x%08x\n", name, app.HeaderAddress(), app.Address())
	err := app.CheckApplication()
	if h, herr := app.Header(); herr == nil {
		printHeader(w, h)
	}
	if err != nil {
		fmt.Fprintf(w, "  %s: %v\n", app.State(), err)
		return
	}
	fmt.Fprintf(w, "  %s\n", app.State())
}

func printHeader(w io.Writer, h *header.Header) {
	fmt.Fprintf(w, "  version %d, %d bytes, hash %x\n", h.FirmwareVersion, h.FirmwareSize, h.Hash[:])
	fmt.Fprintf(w, "  campaign %x, signature size %d\n", h.Campaign[:], h.SignatureSize)
}
