// Package progress is the publish-only fan-out towards the UI, keyed by
// merchant id. Publication is best-effort: a failed publish is logged and
// metered, never surfaced to the stage that emitted it. All emissions happen
// outside database transactions.
package progress

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopdock/poflow/server/observability"
)

// Channel suffixes under merchant:{id}:.
const (
	ChannelProgress   = "progress"
	ChannelStage      = "stage"
	ChannelCompletion = "completion"
	ChannelError      = "error"
)

const publishTimeout = 2 * time.Second

// Event is one progress emission.
type Event struct {
	Type            string    `json:"type"`
	WorkflowID      string    `json:"workflow_id"`
	PurchaseOrderID string    `json:"purchase_order_id,omitempty"`
	Stage           string    `json:"stage,omitempty"`
	ProgressPercent int       `json:"progress_percent"`
	StagesCompleted int       `json:"stages_completed"`
	Message         string    `json:"message,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ChannelName builds the full channel for a merchant.
func ChannelName(merchantID, channel string) string {
	return "merchant:" + merchantID + ":" + channel
}

// Bus publishes events over Redis pub/sub.
type Bus struct {
	client *redis.Client
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish is fire-and-forget. It never blocks the caller beyond marshal and
// never returns an error; outages of the pub/sub path must not fail a stage.
func (b *Bus) Publish(merchantID, channel string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Type == "" {
		ev.Type = channel
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[PROGRESS] drop unmarshalable event for merchant %s: %v", merchantID, err)
		observability.PublishFailures.WithLabelValues(channel).Inc()
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := b.client.Publish(ctx, ChannelName(merchantID, channel), payload).Err(); err != nil {
			log.Printf("[PROGRESS] publish failed (non-critical): %v", err)
			observability.PublishFailures.WithLabelValues(channel).Inc()
		}
	}()
}
