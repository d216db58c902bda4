package observer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CSneko/nya-folia-sub021/internal/protocol"
	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
	"github.com/CSneko/nya-folia-sub021/internal/sim/tickstats"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

// Source is the read side of a world the server reports on.
type Source interface {
	RunID() string
	Health(window time.Duration, lowest int) world.Health
	Snapshot() world.Snapshot
	Report(id uint64, window time.Duration) (tickstats.Report, bool)
	ComputeForRegions(ctx context.Context, rect section.Rect) ([]region.Handle, error)
	ComputeForAllRegions(ctx context.Context) ([]region.Handle, error)
}

type Config struct {
	DefaultWindow time.Duration
	DefaultLowest int
	// LoopbackOnly restricts every endpoint to loopback clients. The
	// websocket stream is always loopback only.
	LoopbackOnly bool
}

type Server struct {
	src Source
	hub *Hub
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(src Source, hub *Hub, cfg Config, logger *log.Logger) *Server {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = tickstats.Window15s
	}
	if cfg.DefaultLowest <= 0 {
		cfg.DefaultLowest = 3
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		src: src,
		hub: hub,
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only anyway
		},
	}
}

// Register mounts the server's handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/health", s.HealthHandler())
	mux.HandleFunc("/v1/health/ws", s.WSHandler())
	mux.HandleFunc("/v1/regions", s.RegionsHandler())
	mux.HandleFunc("/v1/regions/", s.RegionHandler())
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allow(rw, r) {
			return
		}
		window, lowest, err := s.params(r)
		if err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, HealthMsg(s.src.RunID(), s.src.Health(window, lowest)))
	}
}

// RegionsHandler lists regions, optionally only those intersecting
// ?rect=x1,z1,x2,z2 (section coordinates).
func (s *Server) RegionsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allow(rw, r) {
			return
		}
		window, _, err := s.params(r)
		if err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
			return
		}
		var hs []region.Handle
		if q := r.URL.Query().Get("rect"); q != "" {
			rect, perr := section.ParseRect(q)
			if perr != nil {
				writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, perr.Error())
				return
			}
			hs, err = s.src.ComputeForRegions(r.Context(), rect)
		} else {
			hs, err = s.src.ComputeForAllRegions(r.Context())
		}
		if err != nil {
			s.writeWorldError(rw, err)
			return
		}
		rows := make([]protocol.RegionRow, 0, len(hs))
		for _, h := range hs {
			rep, ok := s.src.Report(h.ID, window)
			rows = append(rows, rowMsg(h, rep, ok))
		}
		writeJSON(rw, http.StatusOK, protocol.RegionsMsg{
			Type:            protocol.TypeRegions,
			ProtocolVersion: protocol.Version,
			Step:            s.src.Snapshot().Step,
			Regions:         rows,
		})
	}
}

type regionDetail struct {
	Region region.Handle    `json:"region"`
	Short  tickstats.Report `json:"short"`
	Long   tickstats.Report `json:"long"`
}

// RegionHandler serves /v1/regions/{id} with short and long window reports.
func (s *Server) RegionHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allow(rw, r) {
			return
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(r.URL.Path, "/v1/regions/"), 10, 64)
		if err != nil || id == 0 {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "bad region id")
			return
		}
		for _, h := range s.src.Snapshot().Regions {
			if h.ID != id {
				continue
			}
			short, _ := s.src.Report(id, s.cfg.DefaultWindow)
			long, _ := s.src.Report(id, tickstats.Window1m)
			writeJSON(rw, http.StatusOK, regionDetail{Region: h, Short: short, Long: long})
			return
		}
		writeError(rw, http.StatusNotFound, protocol.ErrNotFound, "no such region")
	}
}

// WSHandler streams HEALTH messages, and REGION_EVENT messages when asked.
// The client must send SUBSCRIBE first and may resend it to change the
// stream.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			writeError(rw, http.StatusForbidden, protocol.ErrForbidden, "forbidden")
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, err := decodeSubscribe(msg)
		if err != nil {
			b, _ := json.Marshal(protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
			_ = conn.WriteMessage(websocket.TextMessage, b)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		s.normalizeSubscribe(&sub)

		subs := make(chan protocol.SubscribeMsg, 1)
		subs <- sub

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() { writeErr <- s.stream(ctx, conn, subs) }()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			next, err := decodeSubscribe(msg)
			if err != nil {
				continue
			}
			s.normalizeSubscribe(&next)
			// keep only the newest update
			select {
			case <-subs:
			default:
			}
			subs <- next
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, subs <-chan protocol.SubscribeMsg) error {
	var (
		sub     protocol.SubscribeMsg
		ticker  *time.Ticker
		tickC   <-chan time.Time
		events  <-chan []byte
		eventID uint64
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		if eventID != 0 {
			s.hub.unsubscribe(eventID)
		}
	}()

	write := func(b []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, b)
	}
	sendHealth := func() error {
		window := time.Duration(sub.WindowMs) * time.Millisecond
		b, err := json.Marshal(HealthMsg(s.src.RunID(), s.src.Health(window, sub.Lowest)))
		if err != nil {
			return err
		}
		return write(b)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-subs:
			sub = next
			if ticker != nil {
				ticker.Stop()
			}
			ticker = time.NewTicker(time.Duration(sub.EveryMs) * time.Millisecond)
			tickC = ticker.C
			switch {
			case sub.Events && eventID == 0:
				eventID, events = s.hub.subscribe(256)
			case !sub.Events && eventID != 0:
				s.hub.unsubscribe(eventID)
				eventID, events = 0, nil
			}
			if err := sendHealth(); err != nil {
				return err
			}
		case <-tickC:
			if err := sendHealth(); err != nil {
				return err
			}
		case b := <-events:
			if err := write(b); err != nil {
				return err
			}
		}
	}
}

func decodeSubscribe(b []byte) (protocol.SubscribeMsg, error) {
	var sub protocol.SubscribeMsg
	if err := protocol.Validate(b); err != nil {
		return sub, err
	}
	if err := json.Unmarshal(b, &sub); err != nil {
		return sub, err
	}
	if sub.Type != protocol.TypeSubscribe {
		return sub, errors.New("expected SUBSCRIBE")
	}
	return sub, nil
}

func (s *Server) normalizeSubscribe(sub *protocol.SubscribeMsg) {
	if sub.WindowMs <= 0 {
		sub.WindowMs = int(s.cfg.DefaultWindow.Milliseconds())
	}
	if sub.EveryMs <= 0 {
		sub.EveryMs = 1000
	}
	if sub.Lowest <= 0 {
		sub.Lowest = s.cfg.DefaultLowest
	}
}

func (s *Server) params(r *http.Request) (time.Duration, int, error) {
	window, lowest := s.cfg.DefaultWindow, s.cfg.DefaultLowest
	q := r.URL.Query()
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return 0, 0, errors.New("bad window")
		}
		window = d
	}
	if v := q.Get("lowest"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("bad lowest")
		}
		lowest = n
	}
	return window, lowest, nil
}

func (s *Server) allow(rw http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if s.cfg.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
		writeError(rw, http.StatusForbidden, protocol.ErrForbidden, "forbidden")
		return false
	}
	return true
}

func (s *Server) writeWorldError(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, world.ErrClosed):
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrWorldStopped, err.Error())
	case errors.Is(err, world.ErrBusy), errors.Is(err, context.DeadlineExceeded):
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrWorldBusy, err.Error())
	default:
		if s.log != nil {
			s.log.Printf("observer: query failed: %v", err)
		}
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.NewError(code, msg))
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
