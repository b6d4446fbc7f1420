package backoff

import (
	"testing"
	"time"
)

func TestNextSchedule(t *testing.T) {
	b := New(5*time.Second, 60*time.Second, 0)

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i, got, w)
		}
	}
}

func TestReset(t *testing.T) {
	b := New(time.Second, 30*time.Second, 0)
	b.Next()
	b.Next()
	if b.Attempt() != 2 {
		t.Fatalf("attempt = %d, want 2", b.Attempt())
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("attempt after reset = %d", b.Attempt())
	}
	if got := b.Next(); got != time.Second {
		t.Fatalf("after reset got %v, want 1s", got)
	}
}

func TestJitterBounds(t *testing.T) {
	b := New(10*time.Second, time.Minute, 0.2)
	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.Next()
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jittered delay %v outside ±20%% of 10s", d)
		}
	}
}

func TestDefaultsOnBadInput(t *testing.T) {
	b := New(0, 0, 0)
	if got := b.Next(); got != 5*time.Second {
		t.Fatalf("got %v, want base default 5s", got)
	}
}
