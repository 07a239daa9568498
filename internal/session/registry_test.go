package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skaldhq/skald/internal/session"
	"github.com/skaldhq/skald/internal/session/mock"
	"github.com/skaldhq/skald/pkg/types"
)

func testRegistryConfig() session.Config {
	return session.Config{
		Expiry:        30 * time.Minute,
		SweepInterval: time.Hour, // tests trigger Sweep directly
	}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := session.NewRegistry(testRegistryConfig())
	defer r.Close()

	id := r.Create("caller-7", "base.en")
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	snap, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.CallerID != "caller-7" {
		t.Errorf("caller id = %q, want caller-7", snap.CallerID)
	}
	if snap.ModelVariant != "base.en" {
		t.Errorf("model variant = %q, want base.en", snap.ModelVariant)
	}
	if snap.Attached {
		t.Error("fresh session reports an attached connection")
	}
	if snap.FinalText != "" || snap.PartialText != "" {
		t.Errorf("fresh session has transcript: final=%q partial=%q", snap.FinalText, snap.PartialText)
	}

	if _, err := r.Get("no-such-id"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get unknown id error = %v, want ErrNotFound", err)
	}

	// Ids are unique across creates.
	if other := r.Create("caller-7", "base.en"); other == id {
		t.Error("Create returned a duplicate id")
	}
}

func TestRegistry_SendBeforeAttachBuffersAndFlushesOnce(t *testing.T) {
	r := session.NewRegistry(testRegistryConfig())
	defer r.Close()
	ctx := context.Background()

	id := r.Create("caller-1", "")

	if err := r.Send(ctx, id, types.PartialEvent(types.Transcript{Text: "hi"})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	snap, _ := r.Get(id)
	if snap.QueueLen != 1 {
		t.Fatalf("queue length = %d, want 1", snap.QueueLen)
	}

	conn := &mock.Conn{}
	if err := r.Attach(ctx, id, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	got := conn.Delivered()
	if len(got) != 1 {
		t.Fatalf("delivered %d events at attach, want 1", len(got))
	}
	if got[0].Kind != types.EventPartial || got[0].Text != "hi" {
		t.Errorf("delivered event = %+v", got[0])
	}

	snap, _ = r.Get(id)
	if snap.QueueLen != 0 {
		t.Errorf("queue length after attach = %d, want 0", snap.QueueLen)
	}
}

func TestRegistry_QueueFlushPreservesFIFOOrder(t *testing.T) {
	r := session.NewRegistry(testRegistryConfig())
	defer r.Close()
	ctx := context.Background()

	id := r.Create("caller-1", "")
	for _, text := range []string{"one", "two", "three"} {
		if err := r.Send(ctx, id, types.PartialEvent(types.Transcript{Text: text})); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	conn := &mock.Conn{}
	if err := r.Attach(ctx, id, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	got := conn.Delivered()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("delivered %d events, want %d", len(got), len(want))
	}
	for i, text := range want {
		if got[i].Text != text {
			t.Errorf("event %d text = %q, want %q", i, got[i].Text, text)
		}
	}
}

func TestRegistry_SendAfterAttachDeliversImmediately(t *testing.T) {
	r := session.NewRegistry(testRegistryConfig())
	defer r.Close()
	ctx := context.Background()

	id := r.Create("caller-1", "")
	conn := &mock.Conn{}
	if err := r.Attach(ctx, id, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := r.Send(ctx, id, types.FinalEvent(types.Transcript{Text: "done"})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := conn.Delivered()
	if len(got) != 1 || got[0].Kind != types.EventFinal {
		t.Fatalf("delivered = %+v, want one final event", got)
	}
	snap, _ := r.Get(id)
	if snap.QueueLen != 0 {
		t.Errorf("queue length = %d, want 0 after direct delivery", snap.QueueLen)
	}
}

func TestRegistry_SendDeliveryFailureIsNotRequeued(t *testing.T) {
	r := session.NewRegistry(testRegistryConfig())
	defer r.Close()
	ctx := context.Background()

	id := r.Create("caller-1", "")
	conn := &mock.Conn{DeliverErr: errors.New("broken pipe")}
	if err := r.Attach(ctx, id, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := r.Send(ctx, id, types.FinalEvent(types.Transcript{Text: "lost"})); err != nil {
		t.Fatalf("Send returned error for best-effort delivery: %v", err)
	}
	snap, _ := r.Get(id)
	if snap.QueueLen != 0 {
		t.Errorf("failed delivery was re-queued: queue length = %d", snap.QueueLen)
	}
}

func TestRegistry_ReattachRejected(t *testing.T) {
	r := session.NewRegistry(testRegistryConfig())
	defer r.Close()
	ctx := context.Background()

	id := r.Create("caller-1", "")
	if err := r.Attach(ctx, id, &mock.Conn{}); err != nil {
		t.Fatalf("first Attach: %v", err)
	}
	if err := r.Attach(ctx, id, &mock.Conn{}); !errors.Is(err, session.ErrAlreadyAttached) {
		t.Fatalf("second Attach error = %v, want ErrAlreadyAttached", err)
	}
}

func TestRegistry_RemoveClosesConnection(t *testing.T) {
	r := session.NewRegistry(testRegistryConfig())
	defer r.Close()
	ctx := context.Background()

	t.Run("close succeeds", func(t *testing.T) {
		id := r.Create("caller-1", "")
		conn := &mock.Conn{}
		_ = r.Attach(ctx, id, conn)

		if err := r.Remove(id); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if conn.CloseCalls() != 1 {
			t.Errorf("connection closed %d times, want 1", conn.CloseCalls())
		}
		if _, err := r.Get(id); !errors.Is(err, session.ErrNotFound) {
			t.Errorf("Get after Remove = %v, want ErrNotFound", err)
		}
	})

	t.Run("close failure tolerated", func(t *testing.T) {
		id := r.Create("caller-1", "")
		conn := &mock.Conn{CloseErr: errors.New("already closed")}
		_ = r.Attach(ctx, id, conn)

		if err := r.Remove(id); err != nil {
			t.Fatalf("Remove with failing close: %v", err)
		}
		if _, err := r.Get(id); !errors.Is(err, session.ErrNotFound) {
			t.Errorf("session survived a failing close: %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if err := r.Remove("no-such-id"); !errors.Is(err, session.ErrNotFound) {
			t.Errorf("Remove unknown id = %v, want ErrNotFound", err)
		}
	})
}

func TestRegistry_SweepExpiresOldSessionsOnly(t *testing.T) {
	now := time.Now()
	clock := &now
	r := session.NewRegistry(testRegistryConfig(), session.WithClock(func() time.Time { return *clock }))
	defer r.Close()

	oldID := r.Create("caller-1", "")

	// One created 31 minutes later is only 10 minutes old at sweep time.
	later := now.Add(21 * time.Minute)
	clock = &later
	youngID := r.Create("caller-2", "")

	sweepTime := now.Add(31 * time.Minute)
	clock = &sweepTime
	r.Sweep()

	if _, err := r.Get(oldID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("31-minute-old session survived the sweep: %v", err)
	}
	if _, err := r.Get(youngID); err != nil {
		t.Errorf("10-minute-old session was reaped: %v", err)
	}
}

func TestRegistry_FlagsAndTranscriptMutation(t *testing.T) {
	r := session.NewRegistry(testRegistryConfig())
	defer r.Close()
	ctx := context.Background()

	id := r.Create("caller-1", "")

	if err := r.SetFlags(ctx, id, true, false); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	snap, _ := r.Get(id)
	if !snap.Recording || snap.Transcribing {
		t.Errorf("flags = recording=%v transcribing=%v, want true/false", snap.Recording, snap.Transcribing)
	}
	// The status event went through the delivery path and was queued.
	if snap.QueueLen != 1 {
		t.Errorf("queue length = %d, want 1 status event", snap.QueueLen)
	}

	_ = r.SetPartial(id, "hello wor", 0.8)
	snap, _ = r.Get(id)
	if snap.PartialConfidence != 0.8 {
		t.Errorf("partial confidence = %v, want 0.8", snap.PartialConfidence)
	}
	_ = r.AppendFinal(id, "hello world")
	_ = r.SetPartial(id, "how are", 0.7)
	_ = r.AppendFinal(id, "how are you")

	snap, _ = r.Get(id)
	if snap.FinalText != "hello world how are you" {
		t.Errorf("final text = %q", snap.FinalText)
	}
	if snap.PartialText != "" {
		t.Errorf("partial text = %q, want empty after final", snap.PartialText)
	}
	if snap.PartialConfidence != 0 {
		t.Errorf("partial confidence = %v, want 0 after final", snap.PartialConfidence)
	}

	_ = r.SetError(id, "inference failed")
	snap, _ = r.Get(id)
	if snap.LastError != "inference failed" {
		t.Errorf("last error = %q", snap.LastError)
	}
}

func TestRegistry_CloseRemovesAllSessions(t *testing.T) {
	r := session.NewRegistry(testRegistryConfig())
	ctx := context.Background()

	r.Create("a", "")
	id := r.Create("b", "")
	conn := &mock.Conn{}
	_ = r.Attach(ctx, id, conn)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("registry still holds %d sessions after Close", r.Len())
	}
	if conn.CloseCalls() != 1 {
		t.Errorf("attached connection closed %d times, want 1", conn.CloseCalls())
	}

	// Close is idempotent.
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
