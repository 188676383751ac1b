package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestBounds(t *testing.T) {
	at := time.Date(2026, 10, 15, 12, 7, 30, 0, time.UTC)
	start, end := Bounds(at, 15*time.Minute)
	if !start.Equal(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected 12:00 start, got %v", start)
	}
	if end.Sub(start) != 15*time.Minute {
		t.Errorf("Expected 15m window, got %v", end.Sub(start))
	}
	if got := WindowID(start); got != "w-20261015T120000Z" {
		t.Errorf("Expected w-20261015T120000Z, got %s", got)
	}
}

func TestSchedulerOpensNextBeforeClosing(t *testing.T) {
	s := New(50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var got []Signal
	timeout := time.After(2 * time.Second)
	for len(got) < 5 {
		select {
		case sig := <-s.Signals():
			got = append(got, sig)
		case <-timeout:
			t.Fatalf("Expected 5 signals, got %d", len(got))
		}
	}

	wantKinds := []Kind{Open, Open, Close, Open, Close}
	for i, k := range wantKinds {
		if got[i].Kind != k {
			t.Fatalf("signal %d: expected %s, got %s", i, k, got[i].Kind)
		}
	}
	if got[2].WindowID != got[0].WindowID {
		t.Errorf("Expected first close for %s, got %s", got[0].WindowID, got[2].WindowID)
	}
	if !got[1].Start.Equal(got[0].End) {
		t.Errorf("Expected contiguous windows, got %v then %v", got[0].End, got[1].Start)
	}

	cancel()
	for range s.Signals() {
	}
}
