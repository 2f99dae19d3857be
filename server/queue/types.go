package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// The fixed stage queues. No other queue names are accepted.
const (
	QueueAIParsing           = "ai_parsing"
	QueueDatabaseSave        = "database_save"
	QueueProductDraft        = "product_draft_creation"
	QueueImageAttachment     = "image_attachment"
	QueueBackgroundImage     = "background_image_processing"
	QueueShopifySync         = "shopify_sync"
	QueueStatusUpdate        = "status_update"
	QueueDataNormalization   = "data_normalization"
	QueueMerchantConfig      = "merchant_config"
	QueueAIEnrichment        = "ai_enrichment"
	QueueShopifyPayload      = "shopify_payload"
)

// KnownQueues lists every named queue the runtime will accept.
var KnownQueues = []string{
	QueueAIParsing,
	QueueDatabaseSave,
	QueueProductDraft,
	QueueImageAttachment,
	QueueBackgroundImage,
	QueueShopifySync,
	QueueStatusUpdate,
	QueueDataNormalization,
	QueueMerchantConfig,
	QueueAIEnrichment,
	QueueShopifyPayload,
}

var (
	// ErrBrokerClientConfig is startup-fatal: the broker requires the shared
	// client and the blocking subscriber to be built with request retries
	// disabled and no ready checks.
	ErrBrokerClientConfig = errors.New("queue: broker connections must disable request retries and ready checks")

	// ErrUnknownQueue rejects enqueue/register against an undeclared queue.
	ErrUnknownQueue = errors.New("queue: unknown queue name")

	// ErrNoHandler is returned by admin operations on unregistered queues.
	ErrNoHandler = errors.New("queue: no handler registered")
)

// Job is the unit of work delivered at least once to a handler.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"` // 1-based once running
	MaxAttempts int             `json:"max_attempts"`
	BackoffMS   int64           `json:"backoff_ms"`
	Priority    int             `json:"priority"` // higher first
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Options tunes a single Enqueue call.
type Options struct {
	Delay    time.Duration
	Priority int
	Attempts int           // default 3
	Backoff  time.Duration // exponential base, default 1s
}

// Handler processes one job. The ctx is cancelled when the job is being
// moved to the dead-letter list; handlers must stop emitting progress and
// release any PO lock they hold.
type Handler func(ctx context.Context, job *Job) error

// DeadHandler is invoked after a job's final attempt fails and it lands on
// the dead-letter list. It runs outside the job's (cancelled) context.
type DeadHandler func(job *Job, lastErr error)

// Status is the admin snapshot for one queue.
type Status struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
	Dead    int64  `json:"dead"`
}
