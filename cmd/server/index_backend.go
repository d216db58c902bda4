package main

import (
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/persistence/indexdb"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

type runtimeIndex interface {
	world.EventSink
	world.HealthSink
	io.Closer
}

func openRuntimeIndex(dataDir, runID string, env serverEnv, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(env.IndexBackend))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "regions.sqlite"))
	case "remote":
		if strings.TrimSpace(env.IngestURL) == "" {
			return nil, fmt.Errorf("REGIONS_INDEX_BACKEND=remote but REGIONS_INDEX_INGEST_URL is empty")
		}
		return indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint:      env.IngestURL,
			Token:         env.IngestToken,
			RunID:         runID,
			BatchSize:     env.IngestBatchSize,
			FlushInterval: time.Duration(env.IngestFlushMs) * time.Millisecond,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported REGIONS_INDEX_BACKEND: %s", backend)
	}
}

// indexStats is what /metrics reports for whichever backend is open.
func indexStats(idx runtimeIndex) (depth, capacity int, dropped uint64, ok bool) {
	switch v := idx.(type) {
	case *indexdb.SQLiteIndex:
		s := v.Stats()
		return s.QueueDepth, s.QueueCapacity, s.DropEventTotal + s.DropHealthTotal, true
	case *indexdb.RemoteIndex:
		s := v.Stats()
		return s.QueueDepth, s.QueueCapacity, s.QueueDroppedTotal + s.RetainDroppedTotal, true
	}
	return 0, 0, 0, false
}
