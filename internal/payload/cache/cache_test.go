package cache

import "testing"

func TestIdentifierCache_PutGet(t *testing.T) {
	c := New()

	if _, ok := c.Get("KD8ABC-11"); ok {
		t.Error("empty cache should miss")
	}

	c.Put("KD8ABC-11", "payload-1")
	id, ok := c.Get("KD8ABC-11")
	if !ok || id != "payload-1" {
		t.Errorf("Get = %q, %v", id, ok)
	}
}

func TestIdentifierCache_InvalidatePayload(t *testing.T) {
	c := New()
	// Two identifiers for the surviving payload, one for the absorbed payload.
	c.Put("KD8ABC-11", "payload-1")
	c.Put("IMEI:300234063904190", "payload-1")
	c.Put("N0CALL-9", "payload-2")

	c.InvalidatePayload("payload-1")

	if _, ok := c.Get("KD8ABC-11"); ok {
		t.Error("identifier for invalidated payload should miss")
	}
	if _, ok := c.Get("IMEI:300234063904190"); ok {
		t.Error("all identifiers of the payload should be dropped")
	}
	if id, ok := c.Get("N0CALL-9"); !ok || id != "payload-2" {
		t.Error("other payloads must be untouched")
	}
}

func TestIdentifierCache_Clear(t *testing.T) {
	c := New()
	c.Put("A1BC", "payload-1")
	c.Clear()
	if _, ok := c.Get("A1BC"); ok {
		t.Error("cleared cache should miss")
	}
}
