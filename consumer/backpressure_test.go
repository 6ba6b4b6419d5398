package consumer

import (
	"testing"
	"time"
)

func TestBackpressureController_TryAcquireRespectsCapacity(t *testing.T) {
	c := newBackpressureController(10, 0, time.Hour)
	defer c.Close()

	if !c.TryAcquire(6) {
		t.Fatal("expected acquire within capacity to succeed")
	}
	if c.TryAcquire(6) {
		t.Fatal("expected acquire beyond remaining tokens to fail")
	}
	if !c.TryAcquire(4) {
		t.Fatal("expected the remaining 4 tokens to be acquirable")
	}
	if !c.Saturated() {
		t.Fatal("want Saturated once tokens are exhausted")
	}
}

func TestBackpressureController_ReleaseReturnsTokens(t *testing.T) {
	c := newBackpressureController(10, 0, time.Hour)
	defer c.Close()

	c.TryAcquire(10)
	c.Release(4)
	if !c.TryAcquire(4) {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestBackpressureController_RefillLoopRestoresTokens(t *testing.T) {
	c := newBackpressureController(10, 10, 5*time.Millisecond)
	defer c.Close()

	c.TryAcquire(10)
	if !c.Saturated() {
		t.Fatal("want Saturated right after exhausting tokens")
	}

	deadline := time.After(200 * time.Millisecond)
	for c.Saturated() {
		select {
		case <-deadline:
			t.Fatal("refill loop did not restore tokens in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBackpressureController_ReleaseClampsToCapacity(t *testing.T) {
	c := newBackpressureController(10, 0, time.Hour)
	defer c.Close()

	c.Release(1000)
	if c.TryAcquire(11) {
		t.Fatal("tokens must never exceed capacity")
	}
	if !c.TryAcquire(10) {
		t.Fatal("expected exactly capacity tokens to be acquirable")
	}
}
