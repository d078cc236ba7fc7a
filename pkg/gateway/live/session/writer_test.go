package session

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeWS struct {
	writes chan []byte
}

func newFakeWS() *fakeWS {
	return &fakeWS{writes: make(chan []byte, 64)}
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.TextMessage {
		f.writes <- append([]byte(nil), data...)
	}
	return nil
}

func (f *fakeWS) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeWS) Close() error                              { return nil }

func (f *fakeWS) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.writes:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a write")
		return nil
	}
}

func TestWriterPriorityWrittenBeforeQueuedNormal(t *testing.T) {
	ws := newFakeWS()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 4)
	normal := make(chan outboundFrame, 4)
	normal <- outboundFrame{textPayload: []byte(`{"n":1}`)}
	normal <- outboundFrame{textPayload: []byte(`{"n":2}`)}
	priority <- outboundFrame{textPayload: []byte(`{"p":1}`)}

	w := outboundWriter{ws: ws, ctx: ctx, priority: priority, normal: normal}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	if got := string(ws.next(t)); got != `{"p":1}` {
		t.Fatalf("first write = %s, want priority frame", got)
	}
	if got := string(ws.next(t)); got != `{"n":1}` {
		t.Fatalf("second write = %s, want first normal frame", got)
	}
	if got := string(ws.next(t)); got != `{"n":2}` {
		t.Fatalf("third write = %s, want second normal frame", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("writer did not exit after cancel")
	}
}

func TestWriterDropsCanceledCycleAudio(t *testing.T) {
	ws := newFakeWS()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 4)
	normal := make(chan outboundFrame, 4)
	normal <- outboundFrame{isCycleAudio: true, cycleID: "c1", textPayload: []byte(`{"cycle":"c1"}`)}
	normal <- outboundFrame{isCycleAudio: true, cycleID: "c2", textPayload: []byte(`{"cycle":"c2"}`)}

	w := outboundWriter{
		ws:         ws,
		ctx:        ctx,
		priority:   priority,
		normal:     normal,
		isCanceled: func(cycleID string) bool { return cycleID == "c1" },
	}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	if got := string(ws.next(t)); got != `{"cycle":"c2"}` {
		t.Fatalf("write = %s, want only the live cycle's frame", got)
	}

	cancel()
	<-done
	select {
	case data := <-ws.writes:
		t.Fatalf("unexpected extra write: %s", data)
	default:
	}
}

func TestWriterExitsOnCancelWhileIdle(t *testing.T) {
	ws := newFakeWS()
	ctx, cancel := context.WithCancel(context.Background())

	priority := make(chan outboundFrame, 4)
	normal := make(chan outboundFrame, 4)

	// Long ping interval: exit must come from cancellation, not a tick.
	w := outboundWriter{ws: ws, ctx: ctx, cfg: Config{PingInterval: time.Hour}, priority: priority, normal: normal}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("writer did not exit after cancel while idle")
	}
}

func TestWriterExitsWhenBothChannelsClosed(t *testing.T) {
	ws := newFakeWS()
	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame)
	close(priority)
	close(normal)

	w := outboundWriter{ws: ws, priority: priority, normal: normal}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("writer did not exit after both channels closed")
	}
}
