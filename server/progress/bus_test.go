package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestChannelName(t *testing.T) {
	if got := ChannelName("m1", ChannelProgress); got != "merchant:m1:progress" {
		t.Errorf("ChannelName = %q", got)
	}
}

func TestPublishDeliversEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewBus(client)

	sub := client.Subscribe(context.Background(), ChannelName("m1", ChannelStage))
	defer sub.Close()
	// Wait for the subscription before publishing.
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus.Publish("m1", ChannelStage, Event{
		WorkflowID:      "wf-1",
		PurchaseOrderID: "po-1",
		Stage:           "database_save",
		ProgressPercent: 20,
	})

	select {
	case msg := <-sub.Channel():
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.WorkflowID != "wf-1" || ev.Stage != "database_save" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Type != ChannelStage {
			t.Errorf("type should default to the channel, got %q", ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp should be stamped on publish")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestPublishFailureIsSilent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewBus(client)
	mr.Close()

	// A dead broker must never surface to the publishing stage: no error
	// return, no panic, no block.
	done := make(chan struct{})
	go func() {
		bus.Publish("m1", ChannelError, Event{WorkflowID: "wf-1", Error: "boom"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked the caller")
	}
}
