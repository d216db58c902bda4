package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/CSneko/nya-folia-sub021/internal/sim/walkers"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

// adminState mirrors the fields of /admin/v1/state this tool summarises.
type adminState struct {
	RunID    string        `json:"run_id"`
	Metrics  world.Metrics `json:"metrics"`
	Walkers  walkers.Stats `json:"walkers"`
	Bindings int           `json:"bound_workers"`
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	raw := fs.Bool("raw", false, "print the full JSON document")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		fmt.Fprintf(os.Stderr, "status %d: %s\n", resp.StatusCode, strings.TrimSpace(string(b)))
		os.Exit(1)
	}
	if *raw {
		fmt.Println(string(b))
		return
	}
	var st adminState
	if err := json.Unmarshal(b, &st); err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	fmt.Print(stateSummary(st))
}

func stateSummary(st adminState) string {
	m := st.Metrics
	var b strings.Builder
	fmt.Fprintf(&b, "run       %s\n", st.RunID)
	fmt.Fprintf(&b, "step      %s (%.2f ms)\n", humanize.Comma(int64(m.Step)), m.StepMS)
	fmt.Fprintf(&b, "regions   %s over %s sections, %s tickets\n",
		humanize.Comma(int64(m.Regions)), humanize.Comma(int64(m.Sections)), humanize.Comma(int64(m.Tickets)))
	fmt.Fprintf(&b, "threads   %d (%d bound)\n", m.Threads, st.Bindings)
	fmt.Fprintf(&b, "queues    tickets=%d tasks=%d\n", m.QueueDepths.Tickets, m.QueueDepths.Tasks)
	fmt.Fprintf(&b, "dropped   tasks=%s unowned=%s\n", humanize.Comma(int64(m.DroppedTasks)), humanize.Comma(int64(m.Unowned)))
	fmt.Fprintf(&b, "walkers   spawned=%d lost=%d teleports=%d bounces=%d\n",
		st.Walkers.Spawned, st.Walkers.Lost, st.Walkers.Teleports, st.Walkers.Bounces)
	return b.String()
}
