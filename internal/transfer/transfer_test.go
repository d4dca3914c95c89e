package transfer

import (
	"errors"
	"io"
	"testing"
)

func TestWrapTLS(t *testing.T) {
	err := WrapTLS(io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrTLSHandshake) {
		t.Error("wrapped error should match ErrTLSHandshake")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("wrapped error should keep its cause")
	}
	if again := WrapTLS(err); again != err {
		t.Error("WrapTLS should not wrap twice")
	}
	if WrapTLS(nil) != nil {
		t.Error("WrapTLS(nil) should be nil")
	}
}

func TestListenerFuncs(t *testing.T) {
	var events []string
	l := ListenerFuncs{
		Start:    func() { events = append(events, "start") },
		Progress: func(c, total int64) { events = append(events, "progress") },
		Complete: func() { events = append(events, "complete") },
	}

	l.OnStart()
	l.OnProgress(1, 2)
	l.OnError(errors.New("ignored"))
	l.OnCancel()
	l.OnComplete()

	want := []string{"start", "progress", "complete"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}
