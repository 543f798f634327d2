package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)
	if c.Waiters() != 1 {
		t.Fatalf("waiters = %d, want 1", c.Waiters())
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(time.Second)) {
			t.Fatalf("fired at %v", got)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if c.Waiters() != 0 {
		t.Fatalf("waiters = %d after firing", c.Waiters())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
	if c.Waiters() != 0 {
		t.Fatal("After(0) should not register a waiter")
	}
}

func TestFakeNow(t *testing.T) {
	c := Fake(epoch)
	c.Advance(3 * time.Second)
	if got := c.Now().Sub(epoch); got != 3*time.Second {
		t.Fatalf("elapsed = %v", got)
	}
}

func TestReal(t *testing.T) {
	c := Real()
	before := time.Now()
	<-c.After(time.Millisecond)
	if !c.Now().After(before) {
		t.Fatal("real clock did not move")
	}
}
