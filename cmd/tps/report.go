package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/CSneko/nya-folia-sub021/internal/protocol"
)

type tone int

const (
	toneGood tone = iota
	toneWarn
	toneBad
)

func tpsTone(tps float64) tone {
	switch {
	case tps >= 18:
		return toneGood
	case tps >= 15:
		return toneWarn
	default:
		return toneBad
	}
}

func msptTone(mspt float64) tone {
	switch {
	case mspt <= 40:
		return toneGood
	case mspt <= 50:
		return toneWarn
	default:
		return toneBad
	}
}

// utilTone grades a utilisation fraction (1.0 = one full thread).
func utilTone(u float64) tone {
	switch {
	case u <= 0.5:
		return toneGood
	case u <= 0.9:
		return toneWarn
	default:
		return toneBad
	}
}

// span is one styled piece of a report line.
type span struct {
	text string
	tone tone
	bold bool
	// plain spans render in the default style.
	plain bool
}

func plain(s string) span { return span{text: s, plain: true} }

func toned(s string, t tone) span { return span{text: s, tone: t} }

func header(s string) span { return span{text: s, plain: true, bold: true} }

func pct(f float64) string {
	return humanize.FormatFloat("#,###.##", f*100) + "%"
}

func dec2(f float64) string {
	return fmt.Sprintf("%.2f", f)
}

func windowLabel(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func countLabel(n int) string { return humanize.Comma(int64(n)) }

func countLabelU(n uint64) string { return humanize.Comma(int64(n)) }

func lineText(l []span) string {
	var b strings.Builder
	for _, s := range l {
		b.WriteString(s.text)
	}
	return b.String()
}

// reportLines lays out a health message the way the in-game /tps command
// does: a summary block followed by the lowest regions.
func reportLines(m protocol.HealthMsg, now time.Time) [][]span {
	var out [][]span
	title := fmt.Sprintf("Server Health Report (%s window, step %s)", windowLabel(m.WindowMs), countLabelU(m.Step))
	out = append(out, []span{header(title)})
	if at, err := time.Parse(time.RFC3339Nano, m.At); err == nil {
		out = append(out, []span{plain(" - Sampled " + humanize.RelTime(at, now, "ago", "from now"))})
	}
	if m.RunID != "" {
		out = append(out, []span{plain(" - Run: " + m.RunID)})
	}
	out = append(out,
		[]span{plain(" - Online regions: "), toned(countLabel(m.Regions), toneGood),
			plain(" (tickets: " + countLabel(m.Tickets) + ")")},
		[]span{plain(" - Utilisation: "), toned(pct(m.Utilisation), utilTone(m.Utilisation/maxf(1, float64(m.Threads)))),
			plain(" / "), toned(pct(m.MaxUtilisation), toneGood),
			plain(" (" + countLabel(m.Threads) + " threads)")},
		[]span{plain(" - Lowest Region TPS: "), toned(dec2(m.TPS.Least), tpsTone(m.TPS.Least))},
		[]span{plain(" - Median Region TPS: "), toned(dec2(m.TPS.Median), tpsTone(m.TPS.Median))},
		[]span{plain(" - Highest Region TPS: "), toned(dec2(m.TPS.Greatest), tpsTone(m.TPS.Greatest))},
		[]span{plain(" - Global tick TPS: "), toned(dec2(m.GlobalTPS), tpsTone(m.GlobalTPS))},
	)
	if m.DroppedTasks > 0 {
		out = append(out, []span{plain(" - Dropped tasks: "), toned(countLabelU(m.DroppedTasks), toneWarn)})
	}

	if len(m.Lowest) == 0 {
		return out
	}
	out = append(out, []span{header(fmt.Sprintf("Lowest %d region(s) by TPS:", len(m.Lowest)))})
	for _, r := range m.Lowest {
		line := []span{
			plain(" - "),
			toned(pct(r.Utilisation), utilTone(r.Utilisation)),
			plain(" util at "),
			toned(dec2(r.MSPT), msptTone(r.MSPT)),
			plain(" MSPT at "),
			toned(dec2(r.TPS), tpsTone(r.TPS)),
			plain(" TPS"),
		}
		out = append(out, line)
		b := r.Bounds
		detail := fmt.Sprintf("   region %d [%s] sections=%s anchors=%s bounds=(%d,%d)..(%d,%d)",
			r.ID, r.State, countLabel(r.Sections), countLabel(r.Anchors), b.MinX, b.MinZ, b.MaxX, b.MaxZ)
		if r.Disconnected {
			detail += " disconnected"
		}
		dl := []span{plain(detail)}
		if r.Flagged {
			dl = append(dl, toned(" lagging", toneBad))
		}
		out = append(out, dl)
	}
	return out
}

func formatReport(w io.Writer, m protocol.HealthMsg, now time.Time) error {
	for _, l := range reportLines(m, now) {
		if _, err := fmt.Fprintln(w, lineText(l)); err != nil {
			return err
		}
	}
	return nil
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
