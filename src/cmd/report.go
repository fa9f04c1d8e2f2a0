package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/Blackdeer1524/PageStore/src/recovery"
)

func printReport(w io.Writer, report *recovery.Report, dry bool) {
	fmt.Fprintf(w, "stale pages: %v\n", report.Stale)
	if dry {
		return
	}

	fmt.Fprintf(w, "repaired: %v\n", report.Repaired)
	for _, pageID := range slices.Sorted(maps.Keys(report.Failed)) {
		fmt.Fprintf(w, "failed: page %d still misses %s\n", pageID, report.Failed[pageID])
	}
}
