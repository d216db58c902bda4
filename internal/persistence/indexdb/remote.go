package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

// RemoteConfig configures the HTTP ingest exporter. Records are posted as
// {"events":[...]} batches to Endpoint.
type RemoteConfig struct {
	Endpoint      string
	Token         string
	RunID         string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// MaxRetained bounds how many unsent records are kept across failed
	// flushes; the oldest are dropped beyond it.
	MaxRetained int
	Logger      *log.Logger
}

// RemoteIndex ships region events and health reports to a remote ingest
// endpoint. A batch that fails to send is kept and retried on the next
// flush.
type RemoteIndex struct {
	cfg        RemoteConfig
	httpClient *http.Client

	ch   chan remoteRecord
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	sent          atomic.Uint64
	flushFail     atomic.Uint64
	queueDropped  atomic.Uint64
	retainDropped atomic.Uint64
}

type remoteRecord struct {
	Kind    string `json:"kind"`
	RunID   string `json:"run_id"`
	Payload any    `json:"payload"`
}

type RemoteStats struct {
	SentTotal          uint64 `json:"sent_total"`
	FlushFailTotal     uint64 `json:"flush_fail_total"`
	QueueDroppedTotal  uint64 `json:"queue_dropped_total"`
	RetainDroppedTotal uint64 `json:"retain_dropped_total"`
	QueueDepth         int    `json:"queue_depth"`
	QueueCapacity      int    `json:"queue_capacity"`
}

func OpenRemote(cfg RemoteConfig) (*RemoteIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.RunID = strings.TrimSpace(cfg.RunID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.RunID == "" {
		return nil, fmt.Errorf("empty run id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 16 * cfg.BatchSize
	}
	d := &RemoteIndex{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		ch: make(chan remoteRecord, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *RemoteIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *RemoteIndex) WriteRegionEvent(e world.RegionEvent) error {
	d.enqueue(remoteRecord{Kind: "region_event", Payload: e})
	return nil
}

func (d *RemoteIndex) WriteHealth(h world.Health) error {
	d.enqueue(remoteRecord{Kind: "health", Payload: h})
	return nil
}

func (d *RemoteIndex) Stats() RemoteStats {
	if d == nil {
		return RemoteStats{}
	}
	return RemoteStats{
		SentTotal:          d.sent.Load(),
		FlushFailTotal:     d.flushFail.Load(),
		QueueDroppedTotal:  d.queueDropped.Load(),
		RetainDroppedTotal: d.retainDropped.Load(),
		QueueDepth:         len(d.ch),
		QueueCapacity:      cap(d.ch),
	}
}

func (d *RemoteIndex) enqueue(rec remoteRecord) {
	if d == nil || d.closed.Load() {
		return
	}
	rec.RunID = d.cfg.RunID
	select {
	case d.ch <- rec:
	default:
		d.queueDropped.Add(1)
		d.printf("ingest queue full; drop kind=%s run=%s", rec.Kind, rec.RunID)
	}
}

func (d *RemoteIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]remoteRecord, 0, d.cfg.BatchSize)
	flush := func() {
		for len(batch) > 0 {
			n := min(len(batch), d.cfg.BatchSize)
			if err := d.sendBatch(batch[:n]); err != nil {
				d.flushFail.Add(1)
				d.printf("ingest flush failed batch=%d err=%v", n, err)
				if over := len(batch) - d.cfg.MaxRetained; over > 0 {
					d.retainDropped.Add(uint64(over))
					batch = append(batch[:0], batch[over:]...)
				}
				return
			}
			d.sent.Add(uint64(n))
			batch = append(batch[:0], batch[n:]...)
		}
	}

	for {
		select {
		case rec, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *RemoteIndex) sendBatch(recs []remoteRecord) error {
	if len(recs) == 0 {
		return nil
	}

	body := struct {
		Events []remoteRecord `json:"events"`
	}{Events: recs}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-regions-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *RemoteIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
