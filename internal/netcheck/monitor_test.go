package netcheck

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitor_PublishesChangesOnly(t *testing.T) {
	var up atomic.Bool
	up.Store(true)

	var lookups atomic.Int32
	m := NewMonitor(TransportFunc(up.Load), WithLookup(func(ctx context.Context, host string) ([]string, error) {
		lookups.Add(1)
		if host != DefaultMonitorHost {
			t.Errorf("lookup host = %q, want %q", host, DefaultMonitorHost)
		}
		return []string{"198.41.0.4"}, nil
	}))

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx := context.Background()
	if !m.Poll(ctx) {
		t.Fatal("Poll() = false, want true")
	}
	if got := <-updates; !got {
		t.Errorf("first update = %v, want true", got)
	}

	m.Poll(ctx)
	select {
	case got := <-updates:
		t.Errorf("unexpected update %v without a change", got)
	default:
	}

	up.Store(false)
	if m.Poll(ctx) {
		t.Error("Poll() with transport down = true, want false")
	}
	if got := <-updates; got {
		t.Errorf("update after transport loss = %v, want false", got)
	}
	if m.Online() {
		t.Error("Online() = true, want false")
	}
	if n := lookups.Load(); n != 2 {
		t.Errorf("lookups = %d, want 2 (none while transport is down)", n)
	}
}

func TestMonitor_LookupFailure(t *testing.T) {
	m := NewMonitor(TransportFunc(func() bool { return true }),
		WithLookup(func(ctx context.Context, host string) ([]string, error) {
			return nil, errors.New("no such host")
		}),
	)
	if m.Poll(context.Background()) {
		t.Error("Poll() with failing lookup = true, want false")
	}
}

func TestMonitor_LateSubscriberSeesCurrentState(t *testing.T) {
	m := NewMonitor(TransportFunc(func() bool { return false }))
	m.Poll(context.Background())

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	select {
	case got := <-updates:
		if got {
			t.Errorf("initial update = %v, want false", got)
		}
	default:
		t.Error("late subscriber should receive the current state")
	}
}

func TestMonitor_RunStopsWithContext(t *testing.T) {
	m := NewMonitor(TransportFunc(func() bool { return false }), WithMonitorInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
