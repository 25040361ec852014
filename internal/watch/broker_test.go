package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scalewatch"
)

type fakeSource struct {
	mu       sync.Mutex
	contents []scalewatch.KeyValue
	streams  []chan scalewatch.ChangeEvent
	ctxs     []context.Context
}

func (s *fakeSource) Watch(ctx context.Context, _ string) ([]scalewatch.KeyValue, <-chan scalewatch.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan scalewatch.ChangeEvent, 512)
	s.streams = append(s.streams, ch)
	s.ctxs = append(s.ctxs, ctx)
	return append([]scalewatch.KeyValue(nil), s.contents...), ch, nil
}

func (s *fakeSource) latest() (chan scalewatch.ChangeEvent, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[len(s.streams)-1], s.ctxs[len(s.ctxs)-1]
}

func (s *fakeSource) watches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func recv(t *testing.T, ch <-chan scalewatch.ChangeEvent) scalewatch.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return scalewatch.ChangeEvent{}
}

func TestBroker_SnapshotThenChanges(t *testing.T) {
	src := &fakeSource{contents: []scalewatch.KeyValue{{Key: "/m/regression", Value: []byte("a")}}}
	b := NewBroker(src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap, ch, err := b.Subscribe(ctx, "/m/")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 || snap[0].Key != "/m/regression" {
		t.Fatalf("snapshot = %+v", snap)
	}

	stream, _ := src.latest()
	stream <- scalewatch.ChangeEvent{Kind: scalewatch.ChangePut, Key: "/m/smoke", Value: []byte("b")}
	stream <- scalewatch.ChangeEvent{Kind: scalewatch.ChangeDelete, Key: "/m/regression"}

	if ev := recv(t, ch); ev.Kind != scalewatch.ChangePut || ev.Key != "/m/smoke" {
		t.Fatalf("first event = %+v", ev)
	}
	if ev := recv(t, ch); !ev.IsDelete() {
		t.Fatalf("second event = %+v", ev)
	}

	// A late subscriber shares the source watch and sees the applied state.
	snap2, _, err := b.Subscribe(ctx, "/m/")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap2) != 1 || snap2[0].Key != "/m/smoke" {
		t.Fatalf("late snapshot = %+v", snap2)
	}
	if got := src.watches(); got != 1 {
		t.Fatalf("source watches = %d, want 1", got)
	}
}

func TestBroker_ResyncAfterSourceBreak(t *testing.T) {
	src := &fakeSource{}
	b := NewBroker(src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, ch, err := b.Subscribe(ctx, "/m/")
	if err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.contents = []scalewatch.KeyValue{{Key: "/m/regression", Value: []byte("v2")}}
	src.mu.Unlock()
	stream, _ := src.latest()
	close(stream)

	ev := recv(t, ch)
	if ev.Kind != scalewatch.ChangeResync {
		t.Fatalf("event = %+v, want resync", ev)
	}
	if len(ev.Snapshot) != 1 || string(ev.Snapshot[0].Value) != "v2" {
		t.Fatalf("resync snapshot = %+v", ev.Snapshot)
	}
	if got := src.watches(); got != 2 {
		t.Fatalf("source watches = %d, want 2", got)
	}
}

func TestBroker_LaggingSubscriberClosed(t *testing.T) {
	src := &fakeSource{}
	b := NewBroker(src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, ch, err := b.Subscribe(ctx, "/m/")
	if err != nil {
		t.Fatal(err)
	}
	stream, _ := src.latest()
	for i := range watchSubscriberBufferCap + 1 {
		stream <- scalewatch.ChangeEvent{Kind: scalewatch.ChangePut, Key: "/m/x", Value: []byte{byte(i)}}
	}

	// Read nothing until the broker has dropped the subscriber, so the
	// overflowing event cannot find room.
	subscribers := func() int {
		b.mu.Lock()
		tp := b.topics["/m/"]
		b.mu.Unlock()
		tp.mu.Lock()
		defer tp.mu.Unlock()
		return len(tp.subs)
	}
	wait := time.Now().Add(2 * time.Second)
	for subscribers() > 0 {
		if time.Now().After(wait) {
			t.Fatal("broker did not deliver events")
		}
		time.Sleep(time.Millisecond)
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if received != watchSubscriberBufferCap {
					t.Fatalf("received %d before close, want %d", received, watchSubscriberBufferCap)
				}
				return
			}
			received++
		case <-deadline:
			t.Fatal("lagging subscriber was not closed")
		}
	}
}

func TestBroker_UnsubscribeStopsSource(t *testing.T) {
	src := &fakeSource{}
	b := NewBroker(src)
	ctx, cancel := context.WithCancel(context.Background())

	_, ch, err := b.Subscribe(ctx, "/m/")
	if err != nil {
		t.Fatal(err)
	}
	_, srcCtx := src.latest()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel not closed")
	}
	select {
	case <-srcCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("source watch not cancelled after last subscriber left")
	}
}

// stalledSource never answers a Watch until its context ends.
type stalledSource struct{}

func (stalledSource) Watch(ctx context.Context, _ string) ([]scalewatch.KeyValue, <-chan scalewatch.ChangeEvent, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func TestBroker_StalledSourceTimesOut(t *testing.T) {
	b := NewBroker(stalledSource{})
	b.SetupTimeout = 20 * time.Millisecond

	errc := make(chan error, 1)
	go func() {
		_, _, err := b.Subscribe(context.Background(), "/m/")
		errc <- err
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Subscribe() error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe blocked on a stalled source")
	}

	// The failed topic is reset so a later subscribe tries again.
	b.mu.Lock()
	tp := b.topics["/m/"]
	b.mu.Unlock()
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.cancel != nil || len(tp.subs) != 0 {
		t.Fatalf("topic left running: cancel set %v, subs %d", tp.cancel != nil, len(tp.subs))
	}
}

func TestBroker_BrokenWatchContextReleased(t *testing.T) {
	src := &fakeSource{}
	b := NewBroker(src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, ch, err := b.Subscribe(ctx, "/m/")
	if err != nil {
		t.Fatal(err)
	}
	stream, firstCtx := src.latest()
	close(stream)

	if ev := recv(t, ch); ev.Kind != scalewatch.ChangeResync {
		t.Fatalf("event = %+v, want resync", ev)
	}
	select {
	case <-firstCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("broken watch context still live after resubscribe")
	}
	if _, current := src.latest(); current.Err() != nil {
		t.Fatalf("replacement watch context done: %v", current.Err())
	}
}
