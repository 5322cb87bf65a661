// Package room distributes the live telemetry stream to connected viewers.
//
// Concurrency model: a single hub loop (goroutine) owns the client set and
// every viewer's current viewport. Bus events, registrations, and viewport
// changes reach the loop through channels, so no mutexes are required and a
// viewport swap is atomic with respect to delivery filtering. Delivery to a
// viewer is a non-blocking send to its bounded outbound queue; a viewer whose
// queue overflows is dropped rather than stalling the loop or other viewers.
package room

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"

	"payload-tracker/backend/internal/bus"
	"payload-tracker/backend/internal/geo"
)

type viewportReq struct {
	c   *client
	box geo.BoundingBox
	old chan geo.BoundingBox
}

// Hub is one broadcaster instance's room manager. Viewport subscriptions are
// owned exclusively by the hub that accepted the connection; they are never
// shared across instances.
type Hub struct {
	sendBuffer int

	registerCh   chan *client
	unregisterCh chan *client
	eventCh      chan *bus.ChangeEvent
	viewportCh   chan viewportReq
	countReqCh   chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewHub creates a hub whose viewers each get a sendBuffer-deep outbound queue.
func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	h := &Hub{
		sendBuffer:   sendBuffer,
		registerCh:   make(chan *client),
		unregisterCh: make(chan *client),
		eventCh:      make(chan *bus.ChangeEvent, 256),
		viewportCh:   make(chan viewportReq),
		countReqCh:   make(chan chan int),
		stopCh:       make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	// Viewport subscriptions, keyed by connection. The zero box means the
	// viewer has not set a viewport yet and receives nothing live.
	clients := make(map[*client]geo.BoundingBox)

	drop := func(c *client) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			c.cancel()
		}
	}

	for {
		select {
		case <-h.stopCh:
			for c := range clients {
				c.cancel()
			}
			return

		case c := <-h.registerCh:
			clients[c] = geo.BoundingBox{}

		case c := <-h.unregisterCh:
			drop(c)

		case req := <-h.viewportCh:
			old, ok := clients[req.c]
			if ok {
				clients[req.c] = req.box
			}
			req.old <- old

		case event := <-h.eventCh:
			msg, err := json.Marshal(ServerMessage{Type: MsgPoint, Point: &event.Point})
			if err != nil {
				log.Printf("room: marshaling point event: %v", err)
				continue
			}
			for c, box := range clients {
				if box.Empty() || !box.Contains(event.Point.Lat, event.Point.Lon) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// Bounded queue overflow: drop the slow consumer.
					log.Printf("room: dropping slow viewer %s", c.id)
					drop(c)
				}
			}

		case resp := <-h.countReqCh:
			resp <- len(clients)
		}
	}
}

// HandleEvent feeds one bus event into the hub. It implements bus.Handler.
// When the hub's buffer is full the send blocks until the loop drains,
// backpressuring the bus consumer; it returns early only on shutdown or
// context cancellation.
func (h *Hub) HandleEvent(ctx context.Context, event *bus.ChangeEvent) {
	if h.closed.Load() {
		return
	}
	select {
	case h.eventCh <- event:
	case <-h.stopped:
	case <-ctx.Done():
	}
}

// setViewport atomically replaces the client's stored box and returns the old
// one, so the caller can hand the pair to the catch-up engine.
func (h *Hub) setViewport(c *client, box geo.BoundingBox) (geo.BoundingBox, bool) {
	if h.closed.Load() {
		return geo.BoundingBox{}, false
	}
	req := viewportReq{c: c, box: box, old: make(chan geo.BoundingBox, 1)}
	select {
	case h.viewportCh <- req:
	case <-h.stopped:
		return geo.BoundingBox{}, false
	}
	select {
	case old := <-req.old:
		return old, true
	case <-h.stopped:
		return geo.BoundingBox{}, false
	}
}

func (h *Hub) register(c *client) {
	select {
	case h.registerCh <- c:
	case <-h.stopped:
		c.cancel()
	}
}

func (h *Hub) unregister(c *client) {
	select {
	case h.unregisterCh <- c:
	case <-h.stopped:
	}
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	if h.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case h.countReqCh <- resp:
	case <-h.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-h.stopped:
		return 0
	}
}

// Close stops the hub loop and disconnects all viewers.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}
