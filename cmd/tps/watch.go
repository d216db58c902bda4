package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"

	"github.com/CSneko/nya-folia-sub021/internal/protocol"
)

const maxEventLines = 8

// watchHealth subscribes to the health stream and redraws a full-screen
// report on every HEALTH message until q, Esc or Ctrl-C.
func watchHealth(url string, sub protocol.SubscribeMsg) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send SUBSCRIBE: %w", err)
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	msgs := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msgs <- b
		}
	}()

	keys := make(chan tcell.Event, 16)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			keys <- ev
		}
	}()

	v := &view{screen: screen}
	v.status = "waiting for first report from " + url
	v.draw()
	for {
		select {
		case ev := <-keys:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC ||
					(ev.Key() == tcell.KeyRune && ev.Rune() == 'q') {
					return nil
				}
			case *tcell.EventResize:
				screen.Sync()
				v.draw()
			}
		case b := <-msgs:
			v.apply(b)
			v.draw()
		case err := <-readErr:
			return fmt.Errorf("stream closed: %w", err)
		}
	}
}

type view struct {
	screen tcell.Screen
	last   *protocol.HealthMsg
	events []string
	status string
}

func (v *view) apply(b []byte) {
	base, err := protocol.DecodeBase(b)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeHealth:
		var m protocol.HealthMsg
		if json.Unmarshal(b, &m) == nil {
			v.last = &m
			v.status = ""
		}
	case protocol.TypeRegionEvent:
		var e protocol.RegionEventMsg
		if json.Unmarshal(b, &e) == nil {
			v.events = append(v.events, eventLine(e))
			if len(v.events) > maxEventLines {
				v.events = v.events[len(v.events)-maxEventLines:]
			}
		}
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if json.Unmarshal(b, &e) == nil {
			v.status = e.Code + ": " + e.Message
		}
	}
}

func eventLine(e protocol.RegionEventMsg) string {
	s := fmt.Sprintf("step %d %s", e.Step, e.Kind)
	if len(e.From) > 0 {
		s += fmt.Sprintf(" %v ->", e.From)
	}
	if len(e.Regions) > 0 {
		s += fmt.Sprintf(" %v", e.Regions)
	}
	return s + fmt.Sprintf(" (%d sections)", e.Sections)
}

func styleFor(s span) tcell.Style {
	st := tcell.StyleDefault
	if s.bold {
		st = st.Bold(true)
	}
	if s.plain {
		return st
	}
	switch s.tone {
	case toneGood:
		return st.Foreground(tcell.ColorGreen)
	case toneWarn:
		return st.Foreground(tcell.ColorYellow)
	default:
		return st.Foreground(tcell.ColorRed)
	}
}

func (v *view) draw() {
	v.screen.Clear()
	w, h := v.screen.Size()
	y := 0
	put := func(l []span) {
		if y >= h {
			return
		}
		x := 0
		for _, s := range l {
			st := styleFor(s)
			for _, r := range s.text {
				if x >= w {
					break
				}
				v.screen.SetContent(x, y, r, nil, st)
				x++
			}
		}
		y++
	}

	if v.last != nil {
		for _, l := range reportLines(*v.last, time.Now()) {
			put(l)
		}
	}
	if len(v.events) > 0 {
		y++
		put([]span{header("Recent region events:")})
		for _, e := range v.events {
			put([]span{plain(" - " + e)})
		}
	}
	if v.status != "" {
		y++
		put([]span{toned(v.status, toneWarn)})
	}
	if h > 0 {
		y = h - 1
		put([]span{plain("q/esc: quit")})
	}
	v.screen.Show()
}
