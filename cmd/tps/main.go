package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/protocol"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "server base url")
		window  = flag.Duration("window", 0, "report window (0: server default)")
		lowest  = flag.Int("lowest", 3, "number of lowest-TPS regions to list")
		every   = flag.Duration("every", time.Second, "refresh interval with -watch")
		asJSON  = flag.Bool("json", false, "print the raw HEALTH message")
		watch   = flag.Bool("watch", false, "stream reports into a full-screen view")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[tps] ", log.LstdFlags|log.Lmicroseconds)
	base := strings.TrimRight(strings.TrimSpace(*baseURL), "/")

	if *watch {
		sub := protocol.SubscribeMsg{
			Type:            protocol.TypeSubscribe,
			ProtocolVersion: protocol.Version,
			WindowMs:        int(window.Milliseconds()),
			EveryMs:         int(every.Milliseconds()),
			Lowest:          *lowest,
			Events:          true,
		}
		if err := watchHealth(wsURL(base), sub); err != nil {
			logger.Fatalf("watch: %v", err)
		}
		return
	}

	msg, raw, err := fetchHealth(base, *window, *lowest)
	if err != nil {
		logger.Fatalf("fetch: %v", err)
	}
	if *asJSON {
		fmt.Println(string(raw))
		return
	}
	if err := formatReport(os.Stdout, msg, time.Now()); err != nil {
		logger.Fatalf("write: %v", err)
	}
}

func fetchHealth(base string, window time.Duration, lowest int) (protocol.HealthMsg, []byte, error) {
	q := url.Values{}
	if window > 0 {
		q.Set("window", window.String())
	}
	q.Set("lowest", strconv.Itoa(lowest))
	u := base + "/v1/health?" + q.Encode()

	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		return protocol.HealthMsg{}, nil, err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return protocol.HealthMsg{}, nil, fmt.Errorf("decode: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e protocol.ErrorMsg
		if json.Unmarshal(raw, &e) == nil && e.Code != "" {
			return protocol.HealthMsg{}, raw, fmt.Errorf("%s: %s", e.Code, e.Message)
		}
		return protocol.HealthMsg{}, raw, fmt.Errorf("status %d", resp.StatusCode)
	}
	var msg protocol.HealthMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.HealthMsg{}, raw, fmt.Errorf("decode: %w", err)
	}
	return msg, raw, nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/health/ws"
}
