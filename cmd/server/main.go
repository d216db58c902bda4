package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CSneko/nya-folia-sub021/internal/persistence/indexdb"
	persistlog "github.com/CSneko/nya-folia-sub021/internal/persistence/log"
	"github.com/CSneko/nya-folia-sub021/internal/platform/otel"
	"github.com/CSneko/nya-folia-sub021/internal/sim/tuning"
	"github.com/CSneko/nya-folia-sub021/internal/sim/walkers"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
	"github.com/CSneko/nya-folia-sub021/internal/transport/observer"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/regions.yaml", "path to regions.yaml (empty: defaults plus env)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the region event / health index")
		runID      = flag.String("run_id", "", "run id (default: random uuid)")

		walkerCount   = flag.Int("walkers", 16, "number of demo walkers to spawn")
		walkerSpacing = flag.Int("walker_spacing", 1024, "distance in blocks between spawned walkers")
		teleportEvery = flag.Uint64("teleport_every", 2000, "mean ticks between walker teleports (0 disables)")

		snapshotEvery = flag.Duration("snapshot_every", time.Minute, "interval between region layout snapshots (0 disables)")
		snapshotKeep  = flag.Int("snapshot_keep", 24, "layout snapshots to keep (0: keep all)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	senv, err := loadServerEnv()
	if err != nil {
		logger.Fatalf("parse env: %v", err)
	}

	tune, err := tuning.Load(strings.TrimSpace(*configPath))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *configPath)
		tune, err = tuning.Load("")
		if err != nil {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	rid := strings.TrimSpace(*runID)
	if rid == "" {
		rid = uuid.NewString()
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := otel.Setup(ctx, "regions-server", rid)
	if err != nil {
		logger.Printf("otel setup: %v (tracing disabled)", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = shutdownTracing(ctx2)
	}()

	// Optional: read-model index backend (does not affect scheduling).
	idx, err := openRuntimeIndex(*dataDir, rid, senv, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if sq, ok := idx.(*indexdb.SQLiteIndex); ok {
			if err := sq.UpsertRun(rid, tune); err != nil {
				logger.Printf("index backend: record run: %v", err)
			}
		}
	}

	eventLog := persistlog.NewRegionEventLogger(*dataDir)
	healthLog := persistlog.NewHealthLogger(*dataDir)
	defer eventLog.Close()
	defer healthLog.Close()
	hub := observer.NewHub()

	eventSinks := []world.EventSink{eventLog, hub}
	healthSinks := []world.HealthSink{healthLog}
	if idx != nil {
		eventSinks = append(eventSinks, idx)
		healthSinks = append(healthSinks, idx)
	}

	wcfg := walkers.DefaultConfig()
	wcfg.SectionShift = tune.SectionShift
	wcfg.TeleportEvery = *teleportEvery
	sim := walkers.New(wcfg, log.New(os.Stdout, "[walkers] ", log.LstdFlags|log.Lmicroseconds))

	fatal := make(chan error, 1)
	w := world.New[*walkers.Shard](tune, world.Options[*walkers.Shard]{
		Hooks:  sim.Hooks(),
		Tick:   sim.Tick,
		Global: sim.GlobalTick,
		Logger: log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds),
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
		RunID:       rid,
		EventSinks:  eventSinks,
		HealthSinks: healthSinks,
	})
	sim.Attach(w)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, rid, w.Metrics(), w.Health(tune.ShortWindow(), 0), sim.Stats(), idx, hub)
	})

	observer.NewServer(w, hub, observer.Config{
		DefaultWindow: tune.ShortWindow(),
		DefaultLowest: tune.Health.LowestRegions,
	}, logger).Register(mux)

	if senv.adminEnabled() {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				RunID    string         `json:"run_id"`
				Tuning   tuning.Tuning  `json:"tuning"`
				Metrics  world.Metrics  `json:"metrics"`
				Snapshot world.Snapshot `json:"snapshot"`
				Walkers  walkers.Stats  `json:"walkers"`
				Bindings int            `json:"bound_workers"`
			}{
				RunID:    rid,
				Tuning:   w.Tuning(),
				Metrics:  w.Metrics(),
				Snapshot: w.Snapshot(),
				Walkers:  sim.Stats(),
				Bindings: len(w.Bindings()),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		logger.Printf("admin endpoints disabled (REGIONS_ENABLE_ADMIN_HTTP=false)")
	}
	if senv.EnablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (REGIONS_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := w.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Printf("run=%s workers=%d period=%s listening on %s", rid, w.TotalThreadCount(), tune.TickPeriod(), *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-fatal:
			return fmt.Errorf("fatal scheduler error: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	layouts := newLayoutWriter(*dataDir, rid, tune.Digest(), *snapshotKeep, logger)
	g.Go(func() error {
		return layouts.run(gctx, w, *snapshotEvery)
	})
	g.Go(func() error {
		return spawnWalkers(gctx, sim, spawnPositions(*walkerCount, *walkerSpacing), logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		w.Stop()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})

	if err := g.Wait(); err != nil {
		logger.Printf("server stopped: %v", err)
		return err
	}
	logger.Printf("server stopped")
	return nil
}

// spawnWalkers places walkers once the world is accepting requests,
// retrying while its request queue is full.
func spawnWalkers(ctx context.Context, sim *walkers.Sim, at [][2]int, logger *log.Logger) error {
	for i, p := range at {
		id := fmt.Sprintf("w%03d", i)
		for {
			err := sim.Spawn(id, p[0], p[1])
			if err == nil {
				break
			}
			if !errors.Is(err, world.ErrBusy) {
				if errors.Is(err, world.ErrClosed) {
					return nil
				}
				return fmt.Errorf("spawn %s: %w", id, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	if len(at) > 0 {
		logger.Printf("spawned %d walkers", len(at))
	}
	return nil
}

// spawnPositions lays n points on a square grid spacing blocks apart,
// centred on the origin.
func spawnPositions(n, spacing int) [][2]int {
	if n <= 0 {
		return nil
	}
	side := 1
	for side*side < n {
		side++
	}
	off := (side - 1) * spacing / 2
	out := make([][2]int, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, [2]int{(i%side)*spacing - off, (i/side)*spacing - off})
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
