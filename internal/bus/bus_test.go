package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testMsg(content string) InboundMessage {
	return InboundMessage{
		Channel:  "telegram",
		SenderID: "42",
		ChatID:   "chat1",
		Content:  content,
	}
}

func TestPriorityOrdering(t *testing.T) {
	b, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := b.PublishInbound(testMsg("low"), PriorityLow); !ok {
		t.Fatal("publish low failed")
	}
	if _, ok := b.PublishInbound(testMsg("urgent"), PriorityUrgent); !ok {
		t.Fatal("publish urgent failed")
	}
	if _, ok := b.PublishInbound(testMsg("normal"), PriorityNormal); !ok {
		t.Fatal("publish normal failed")
	}

	ctx := context.Background()
	want := []string{"urgent", "normal", "low"}
	for _, expected := range want {
		qm, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatal("consume returned not ok")
		}
		if qm.Message.Content != expected {
			t.Errorf("got %q, want %q", qm.Message.Content, expected)
		}
		b.MarkDone(qm.ID)
	}
}

func TestDeduplication(t *testing.T) {
	b, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := b.PublishInbound(testMsg("hello"), PriorityNormal); !ok {
		t.Fatal("first publish rejected")
	}
	if _, ok := b.PublishInbound(testMsg("hello"), PriorityNormal); ok {
		t.Error("duplicate within window should be dropped")
	}

	// Different content is not a duplicate.
	if _, ok := b.PublishInbound(testMsg("hello again"), PriorityNormal); !ok {
		t.Error("distinct content should be accepted")
	}

	stats := b.Stats()
	if stats.TotalDeduplicated != 1 {
		t.Errorf("TotalDeduplicated = %d, want 1", stats.TotalDeduplicated)
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	b, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	b.now = func() time.Time { return now }

	if _, ok := b.PublishInbound(testMsg("hi"), PriorityNormal); !ok {
		t.Fatal("first publish rejected")
	}

	b.now = func() time.Time { return now.Add(61 * time.Second) }
	if _, ok := b.PublishInbound(testMsg("hi"), PriorityNormal); !ok {
		t.Error("message after window expiry should be accepted")
	}
}

func TestRetryDemotionAndDLQ(t *testing.T) {
	b, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	id, ok := b.PublishInbound(testMsg("flaky"), PriorityHigh)
	if !ok {
		t.Fatal("publish failed")
	}
	_ = id

	ctx := context.Background()
	priorities := []Priority{PriorityHigh, PriorityNormal, PriorityLow}
	for i, want := range priorities {
		qm, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("consume %d returned not ok", i)
		}
		if qm.Priority != want {
			t.Errorf("attempt %d priority = %v, want %v", i, qm.Priority, want)
		}
		if qm.RetryCount != i {
			t.Errorf("attempt %d retry count = %d, want %d", i, qm.RetryCount, i)
		}
		b.MarkFailed(qm.ID, errors.New("boom"))
	}

	dlq := b.DLQ()
	if len(dlq) != 1 {
		t.Fatalf("DLQ size = %d, want 1", len(dlq))
	}
	if dlq[0].Error != "boom" {
		t.Errorf("DLQ error = %q, want boom", dlq[0].Error)
	}
	if b.InboundSize() != 0 {
		t.Errorf("inbound size = %d, want 0", b.InboundSize())
	}

	stats := b.Stats()
	if stats.TotalRetried != 2 {
		t.Errorf("TotalRetried = %d, want 2", stats.TotalRetried)
	}
	if stats.TotalFailed != 1 {
		t.Errorf("TotalFailed = %d, want 1", stats.TotalFailed)
	}
}

func TestConsumeRespectsContext(t *testing.T) {
	b, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		_, ok := b.ConsumeInbound(ctx)
		done <- ok
	}()

	select {
	case ok := <-done:
		if ok {
			t.Error("consume should return not ok on context cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not unblock on context cancel")
	}
}

func TestOutboundFIFO(t *testing.T) {
	b, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	b.PublishOutbound(OutboundMessage{Channel: "qq", ChatID: "a", Content: "first"})
	b.PublishOutbound(OutboundMessage{Channel: "qq", ChatID: "a", Content: "second"})

	ctx := context.Background()
	for _, want := range []string{"first", "second"} {
		msg, ok := b.ConsumeOutbound(ctx)
		if !ok {
			t.Fatal("consume outbound returned not ok")
		}
		if msg.Content != want {
			t.Errorf("got %q, want %q", msg.Content, want)
		}
	}
}

func TestPersistenceRecovery(t *testing.T) {
	dir := t.TempDir()

	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.PublishInbound(testMsg("survive me"), PriorityUrgent); !ok {
		t.Fatal("publish failed")
	}

	// Simulate a crash: build a second bus over the same directory.
	b2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	qm, ok := b2.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected recovered message")
	}
	if qm.Message.Content != "survive me" {
		t.Errorf("recovered content = %q", qm.Message.Content)
	}
	b2.MarkDone(qm.ID)

	// After MarkDone the persisted file is gone; a third bus sees nothing.
	b3, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if b3.InboundSize() != 0 {
		t.Errorf("expected empty queue after ack, got %d", b3.InboundSize())
	}
}

func TestCloseUnblocksConsumers(t *testing.T) {
	b, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan bool, 1)
	go func() {
		_, ok := b.ConsumeInbound(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("consume on closed bus should return not ok")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock consumer")
	}
}
