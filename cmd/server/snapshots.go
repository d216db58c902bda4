package main

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/persistence/snapshot"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

// layoutSource is the part of the world the layout writer reads.
type layoutSource interface {
	Snapshot() world.Snapshot
	Metrics() world.Metrics
}

type layoutWriter struct {
	dir    string
	runID  string
	digest string
	keep   int
	logger *log.Logger

	lastStep uint64
	written  int
}

func newLayoutWriter(dataDir, runID, digest string, keep int, logger *log.Logger) *layoutWriter {
	return &layoutWriter{
		dir:    filepath.Join(dataDir, "snapshots"),
		runID:  runID,
		digest: digest,
		keep:   keep,
		logger: logger,
	}
}

// write stores the current layout unless nothing has stepped since the
// last one.
func (lw *layoutWriter) write(src layoutSource) {
	snap := src.Snapshot()
	if lw.written > 0 && snap.Step == lw.lastStep {
		return
	}
	path := snapshot.Path(lw.dir, snap.Step)
	if err := snapshot.WriteSnapshot(path, snapshot.FromWorld(lw.runID, lw.digest, snap, src.Metrics())); err != nil {
		lw.logger.Printf("layout snapshot: %v", err)
		return
	}
	lw.lastStep = snap.Step
	lw.written++
	if lw.keep > 0 {
		if _, err := snapshot.Prune(lw.dir, lw.keep); err != nil {
			lw.logger.Printf("layout snapshot prune: %v", err)
		}
	}
}

// run writes a layout every interval and once more on shutdown.
func (lw *layoutWriter) run(ctx context.Context, src layoutSource, every time.Duration) error {
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			lw.write(src)
			return nil
		case <-t.C:
			lw.write(src)
		}
	}
}
