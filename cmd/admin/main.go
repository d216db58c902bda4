package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	persistlog "github.com/CSneko/nya-folia-sub021/internal/persistence/log"
	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "health":
			healthCmd(os.Args[2:])
			return
		case "layout":
			layoutCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the log files under the data directory.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	for _, sub := range [][2]string{{"events", "regions"}, {"health", "health"}, {"snapshots", "layout"}} {
		files, err := persistlog.ListFiles(filepath.Join(*dataDir, sub[0]), sub[1])
		if err != nil && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		for _, f := range files {
			size := ""
			if st, err := os.Stat(f); err == nil {
				size = humanize.Bytes(uint64(st.Size()))
			}
			fmt.Printf("%s\t%s\n", f, size)
		}
	}
}

type eventFilter struct {
	kind     region.EventKind
	regionID uint64
	fromStep uint64
	toStep   uint64
}

func (f eventFilter) match(e world.RegionEvent) bool {
	if f.kind != "" && e.Kind != f.kind {
		return false
	}
	if f.fromStep != 0 && e.Step < f.fromStep {
		return false
	}
	if f.toStep != 0 && e.Step > f.toStep {
		return false
	}
	if f.regionID != 0 && !containsID(e.Regions, f.regionID) && !containsID(e.From, f.regionID) {
		return false
	}
	return true
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// readEvents decodes every region event under dir that passes f, oldest
// first, keeping at most the last limit.
func readEvents(dir string, f eventFilter, limit int) ([]world.RegionEvent, error) {
	files, err := persistlog.ListFiles(dir, "regions")
	if err != nil {
		return nil, err
	}
	var out []world.RegionEvent
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var e world.RegionEvent
			if err := json.Unmarshal(line, &e); err != nil {
				return nil
			}
			if f.match(e) {
				out = append(out, e)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	kind := fs.String("kind", "", "event kind filter: CREATE|MERGE|SPLIT|DESTROY")
	regionID := fs.Uint64("region", 0, "only events that produced or consumed this region")
	fromStep := fs.Uint64("from_step", 0, "first step (inclusive)")
	toStep := fs.Uint64("to_step", 0, "last step (inclusive)")
	limit := fs.Int("limit", 50, "keep only the last N matching events (0: all)")
	summary := fs.Bool("summary", false, "print counts per kind instead of events")
	_ = fs.Parse(args)

	f := eventFilter{
		kind:     region.EventKind(strings.ToUpper(strings.TrimSpace(*kind))),
		regionID: *regionID,
		fromStep: *fromStep,
		toStep:   *toStep,
	}
	if *summary {
		*limit = 0
	}
	evs, err := readEvents(filepath.Join(*dataDir, "events"), f, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read events:", err)
		os.Exit(1)
	}
	if *summary {
		printSummary(evs)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range evs {
		_ = enc.Encode(e)
	}
}

func printSummary(evs []world.RegionEvent) {
	counts := map[region.EventKind]int{}
	var sections int
	for _, e := range evs {
		counts[e.Kind]++
		sections += e.Sections
	}
	for _, k := range []region.EventKind{region.EventCreate, region.EventMerge, region.EventSplit, region.EventDestroy} {
		fmt.Printf("%-8s %s\n", k, humanize.Comma(int64(counts[k])))
	}
	fmt.Printf("%-8s %s\n", "total", humanize.Comma(int64(len(evs))))
	if len(evs) > 0 {
		fmt.Printf("steps    %d..%d\n", evs[0].Step, evs[len(evs)-1].Step)
		fmt.Printf("sections %s moved\n", humanize.Comma(int64(sections)))
	}
}

func healthCmd(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	limit := fs.Int("limit", 20, "last N reports")
	_ = fs.Parse(args)

	files, err := persistlog.ListFiles(filepath.Join(*dataDir, "health"), "health")
	if err != nil {
		fmt.Fprintln(os.Stderr, "read health:", err)
		os.Exit(1)
	}
	var reps []world.Health
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var h world.Health
			if json.Unmarshal(line, &h) == nil {
				reps = append(reps, h)
			}
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}
	if *limit > 0 && len(reps) > *limit {
		reps = reps[len(reps)-*limit:]
	}
	for _, h := range reps {
		fmt.Println(healthLine(h))
	}
}

func healthLine(h world.Health) string {
	return fmt.Sprintf("%s step=%d regions=%d tps[min=%.2f med=%.2f max=%.2f] mspt=%.2f util=%.0f%%/%.0f%% flagged=%d dropped=%d",
		h.At.UTC().Format("2006-01-02T15:04:05Z"), h.Step, h.Regions,
		h.TPS.Least, h.TPS.Median, h.TPS.Greatest, h.MSPT.Average,
		h.Utilisation*100, h.MaxUtilisation*100, len(h.Flagged), h.DroppedTasks)
}
