package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/CSneko/nya-folia-sub021/internal/persistence/snapshot"
)

func layoutCmd(args []string) {
	fs := flag.NewFlagSet("layout", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	path := fs.String("snapshot", "", "layout snapshot path (optional; defaults to latest)")
	list := fs.Bool("list", false, "list snapshot headers instead of printing one layout")
	top := fs.Int("top", 20, "largest N regions to print (0: all)")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "snapshots")
	if *list {
		files, err := snapshot.List(dir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list:", err)
			os.Exit(1)
		}
		for _, f := range files {
			h, err := snapshot.ReadHeader(f)
			if err != nil {
				fmt.Printf("%s\terror: %v\n", filepath.Base(f), err)
				continue
			}
			fmt.Printf("%s\tstep=%d regions=%d at=%s run=%s\n", filepath.Base(f), h.Step, h.Regions, h.At.UTC().Format("2006-01-02T15:04:05Z"), h.RunID)
		}
		return
	}

	p := strings.TrimSpace(*path)
	if p == "" {
		files, err := snapshot.List(dir)
		if err != nil || len(files) == 0 {
			fmt.Fprintln(os.Stderr, "no layout snapshot found; provide -snapshot or run the server with -snapshot_every")
			os.Exit(2)
		}
		p = files[len(files)-1]
	}
	snap, err := snapshot.ReadSnapshot(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	printLayout(os.Stdout, snap, *top)
}

func printLayout(w io.Writer, snap snapshot.LayoutV1, top int) {
	l := snap.Layout
	fmt.Fprintf(w, "run %s step %s (%s)\n", snap.Header.RunID, humanize.Comma(int64(l.Step)), humanize.Time(l.At))
	fmt.Fprintf(w, "%s regions, %s sections, %s tickets, %d threads\n",
		humanize.Comma(int64(len(l.Regions))), humanize.Comma(int64(l.Sections)), humanize.Comma(int64(l.Tickets)), snap.Metrics.Threads)

	regs := append(l.Regions[:0:0], l.Regions...)
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Sections != regs[j].Sections {
			return regs[i].Sections > regs[j].Sections
		}
		return regs[i].ID < regs[j].ID
	})
	if top > 0 && len(regs) > top {
		regs = regs[:top]
	}
	for _, r := range regs {
		b := r.Bounds
		note := ""
		if r.Disconnected {
			note = " disconnected"
		}
		fmt.Fprintf(w, "  #%-6d %-7s sections=%-6d anchors=%-4d bounds=(%d,%d)..(%d,%d)%s\n",
			r.ID, r.State, r.Sections, r.Anchors, b.MinX, b.MinZ, b.MaxX, b.MaxZ, note)
	}
}
