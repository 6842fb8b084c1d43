package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	ev := SubmissionEvent{RecordID: "rec-1", SessionID: "sess-1", Fingerprint: "abc", RecordedAt: time.Now().UTC()}
	if err := q.Publish(ctx, ev); err != nil {
		t.Fatal(err)
	}

	out, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-out:
		if got.RecordID != ev.RecordID || got.SessionID != ev.SessionID {
			t.Errorf("got %+v, want %+v", got, ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestInMemoryPublishHonorsCancellation(t *testing.T) {
	q := NewInMemory(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Publish(ctx, SubmissionEvent{}); err == nil {
		t.Error("publish on cancelled context should fail")
	}
}
