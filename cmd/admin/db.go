package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/persistence/indexdb"
	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/regions.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	kind := fs.String("kind", "", "event kind filter (events)")
	_ = fs.Parse(args)

	q := "events"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "regions.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out any
	switch q {
	case "events":
		out, err = idx.RecentEvents(ctx, region.EventKind(strings.ToUpper(strings.TrimSpace(*kind))), *limit)
	case "history":
		id, perr := argID(fs, 1, "region id")
		if perr != nil {
			fmt.Fprintln(os.Stderr, perr)
			os.Exit(2)
		}
		out, err = idx.RegionHistory(ctx, id)
	case "health":
		out, err = idx.RecentHealth(ctx, *limit)
	case "health_detail":
		id, perr := argID(fs, 1, "health row id")
		if perr != nil {
			fmt.Fprintln(os.Stderr, perr)
			os.Exit(2)
		}
		h, ok, derr := idx.HealthDetail(ctx, int64(id))
		if derr == nil && !ok {
			fmt.Fprintln(os.Stderr, "not found")
			os.Exit(1)
		}
		out, err = h, derr
	case "run":
		run := map[string]string{}
		for _, k := range []string{"run_id", "tuning_digest", "tuning"} {
			v, ok, merr := idx.Meta(ctx, k)
			if merr != nil {
				err = merr
				break
			}
			if ok {
				run[k] = v
			}
		}
		out = run
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(events|history|health|health_detail|run)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func argID(fs *flag.FlagSet, i int, what string) (uint64, error) {
	if fs.NArg() <= i {
		return 0, fmt.Errorf("missing %s", what)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(fs.Arg(i)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %v", what, err)
	}
	return id, nil
}
