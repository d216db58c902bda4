package observer

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/protocol"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

// Hub fans region events out to websocket subscribers. It is registered as
// a world event sink before the server exists, so it carries no world
// reference itself.
type Hub struct {
	mu   sync.Mutex
	subs map[uint64]chan []byte
	next uint64

	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]chan []byte{}}
}

// WriteRegionEvent never blocks: a subscriber whose buffer is full misses
// the event.
func (h *Hub) WriteRegionEvent(e world.RegionEvent) error {
	b, err := json.Marshal(EventMsg(e))
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- b:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *Hub) subscribe(buf int) (uint64, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	ch := make(chan []byte, buf)
	h.subs[h.next] = ch
	return h.next, ch
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Subscribers is the number of live event streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func EventMsg(e world.RegionEvent) protocol.RegionEventMsg {
	return protocol.RegionEventMsg{
		Type:            protocol.TypeRegionEvent,
		ProtocolVersion: protocol.Version,
		Step:            e.Step,
		At:              e.At.UTC().Format(time.RFC3339Nano),
		Kind:            string(e.Kind),
		Regions:         e.Regions,
		From:            e.From,
		Sections:        e.Sections,
	}
}
