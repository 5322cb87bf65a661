package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"payload-tracker/backend/internal/bus"
	"payload-tracker/backend/internal/geo"
	"payload-tracker/backend/internal/telemetry/domain"
)

func newHubClient(queue int) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:     "test-client",
		send:   make(chan []byte, queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

func eventAt(payloadID string, lat, lon float64) *bus.ChangeEvent {
	return &bus.ChangeEvent{
		PayloadID: payloadID,
		Point: domain.Point{
			PayloadID: payloadID,
			Lat:       lat,
			Lon:       lon,
			EventTime: time.Now().UTC(),
		},
	}
}

func recvPoint(t *testing.T, c *client) *domain.Point {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal delivered message: %v", err)
		}
		if msg.Type != MsgPoint || msg.Point == nil {
			t.Fatalf("delivered message = %+v, want a point", msg)
		}
		return msg.Point
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestHub_DeliversInsideViewportOnly(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	c := newHubClient(8)
	h.register(c)
	if _, ok := h.setViewport(c, geo.BoundingBox{MinLon: -84, MinLat: 41, MaxLon: -82, MaxLat: 43}); !ok {
		t.Fatal("setViewport failed")
	}

	// Outside first, inside second; per-client delivery is FIFO, so the first
	// message received must already be the inside point.
	h.HandleEvent(context.Background(), eventAt("far", 10, 10))
	h.HandleEvent(context.Background(), eventAt("near", 42, -83))

	p := recvPoint(t, c)
	if p.PayloadID != "near" {
		t.Errorf("delivered payload = %q, want only the in-viewport point", p.PayloadID)
	}
	select {
	case data := <-c.send:
		t.Errorf("unexpected extra delivery: %s", data)
	default:
	}
}

func TestHub_NoViewportNoDelivery(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	c := newHubClient(8)
	h.register(c)

	// A second viewer with a viewport acts as a witness: events drain from the
	// hub in order, so once it sees the last event, all were processed.
	witness := newHubClient(8)
	h.register(witness)
	h.setViewport(witness, geo.BoundingBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90})

	// No setViewport on c; even a point at (0,0) must not match the zero box.
	h.HandleEvent(context.Background(), eventAt("p", 0, 0))
	h.HandleEvent(context.Background(), eventAt("p2", 42, -83))

	recvPoint(t, witness)
	recvPoint(t, witness)
	select {
	case data := <-c.send:
		t.Errorf("unexpected delivery without a viewport: %s", data)
	default:
	}
}

func TestHub_ViewportMoveChangesFiltering(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	c := newHubClient(8)
	h.register(c)

	boxA := geo.BoundingBox{MinLon: -84, MinLat: 41, MaxLon: -82, MaxLat: 43}
	boxB := geo.BoundingBox{MinLon: 9, MinLat: 9, MaxLon: 11, MaxLat: 11}

	if _, ok := h.setViewport(c, boxA); !ok {
		t.Fatal("setViewport A failed")
	}
	h.HandleEvent(context.Background(), eventAt("inA", 42, -83))
	if p := recvPoint(t, c); p.PayloadID != "inA" {
		t.Fatalf("delivered %q, want inA", p.PayloadID)
	}

	old, ok := h.setViewport(c, boxB)
	if !ok {
		t.Fatal("setViewport B failed")
	}
	if old != boxA {
		t.Errorf("old box = %+v, want %+v", old, boxA)
	}

	// A point in the abandoned box no longer matches; one in the new box does.
	h.HandleEvent(context.Background(), eventAt("stillA", 42, -83))
	h.HandleEvent(context.Background(), eventAt("inB", 10, 10))
	if p := recvPoint(t, c); p.PayloadID != "inB" {
		t.Errorf("delivered %q, want inB", p.PayloadID)
	}
}

func TestHub_SlowConsumerDropped(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	// Queue depth of one and nobody draining it.
	c := newHubClient(1)
	h.register(c)
	if _, ok := h.setViewport(c, geo.BoundingBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90}); !ok {
		t.Fatal("setViewport failed")
	}

	h.HandleEvent(context.Background(), eventAt("fill", 0, 0))
	h.HandleEvent(context.Background(), eventAt("overflow", 0, 0))

	select {
	case <-c.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not dropped")
	}
	if n := h.ClientCount(); n != 0 {
		t.Errorf("client count = %d after drop, want 0", n)
	}
}

func TestHub_OtherViewersUnaffectedByDrop(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	world := geo.BoundingBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90}
	slow := newHubClient(1)
	healthy := newHubClient(16)
	h.register(slow)
	h.register(healthy)
	h.setViewport(slow, world)
	h.setViewport(healthy, world)

	h.HandleEvent(context.Background(), eventAt("one", 0, 0))
	h.HandleEvent(context.Background(), eventAt("two", 0, 0))

	if p := recvPoint(t, healthy); p.PayloadID != "one" {
		t.Errorf("healthy viewer got %q first", p.PayloadID)
	}
	if p := recvPoint(t, healthy); p.PayloadID != "two" {
		t.Errorf("healthy viewer missed the second point")
	}

	select {
	case <-slow.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow viewer should have been dropped")
	}
	select {
	case <-healthy.ctx.Done():
		t.Fatal("healthy viewer must not be dropped")
	default:
	}
}

func TestHub_CloseDisconnectsViewers(t *testing.T) {
	h := NewHub(8)
	c := newHubClient(8)
	h.register(c)

	h.Close()

	select {
	case <-c.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Close should cancel connected viewers")
	}

	// Post-close calls are safe no-ops.
	h.HandleEvent(context.Background(), eventAt("late", 0, 0))
	if _, ok := h.setViewport(c, geo.BoundingBox{MinLon: 0, MinLat: 0, MaxLon: 1, MaxLat: 1}); ok {
		t.Error("setViewport after Close should report failure")
	}
	if n := h.ClientCount(); n != 0 {
		t.Errorf("client count after Close = %d", n)
	}
}
