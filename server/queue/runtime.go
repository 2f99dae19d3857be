package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shopdock/poflow/server/observability"
)

const (
	keyPrefix       = "poflow:q:"
	wakeKey         = "poflow:q:wake"
	defaultAttempts = 3
	defaultBackoff  = time.Second
	defaultStall    = 60 * time.Second
	sweepInterval   = 15 * time.Second
	promoteInterval = time.Second
)

// promoteScript atomically moves due delayed jobs into the wait list.
// KEYS[1]=delayed KEYS[2]=wait ARGV[1]=now-ms ARGV[2]=batch
var promoteScript = `
	local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
	for _, id in ipairs(due) do
		redis.call("zrem", KEYS[1], id)
		redis.call("rpush", KEYS[2], id)
	end
	return #due
`

type registration struct {
	handler     Handler
	concurrency int
	stall       time.Duration
	onDead      DeadHandler
	slots       chan struct{}
}

// RegisterOption tunes a queue registration.
type RegisterOption func(*registration)

// WithStallTimeout overrides the 60s default stall timeout. AI stages get a
// longer budget aligned with the parser's own timeout.
func WithStallTimeout(d time.Duration) RegisterOption {
	return func(r *registration) { r.stall = d }
}

// WithDeadHandler installs a callback for jobs that exhaust their attempts.
func WithDeadHandler(fn DeadHandler) RegisterOption {
	return func(r *registration) { r.onDead = fn }
}

// Runtime delivers stage jobs at least once with bounded per-queue
// concurrency, stall recovery and a dead-letter list. All queues share one
// client connection and one blocking-subscriber connection.
type Runtime struct {
	client     *redis.Client
	subscriber *redis.Client
	promoteSHA string

	mu      sync.Mutex
	regs    map[string]*registration
	cancels map[string]context.CancelFunc // queue/jobID -> running handler cancel
	started bool

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// New builds the runtime from a broker URL. The URL is parsed into
// structured options and the broker-required flags are set explicitly;
// passing a URL straight to the client would inject conflicting retry
// defaults.
func New(url string) (*Runtime, error) {
	opt, err := redis.ParseURL(url) // TLS per URL scheme
	if err != nil {
		return nil, fmt.Errorf("queue: parse broker url: %w", err)
	}

	clientOpt := *opt
	clientOpt.MaxRetries = -1 // broker constraint: no request retries
	clientOpt.DisableIndentity = true

	subOpt := *opt
	subOpt.MaxRetries = -1
	subOpt.DisableIndentity = true
	subOpt.PoolSize = 1 // single blocking connection shared across queues

	return NewWithClients(redis.NewClient(&clientOpt), redis.NewClient(&subOpt))
}

// NewWithClients wires pre-built connections. Misconfigured connections are
// a startup-fatal error, not a warning. go-redis normalizes an explicit
// MaxRetries of -1 to 0 when the client is built, so 0 here means retries
// are disabled; anything else is the library default (3) or a configured
// positive count.
func NewWithClients(client, subscriber *redis.Client) (*Runtime, error) {
	if client.Options().MaxRetries != 0 || subscriber.Options().MaxRetries != 0 {
		return nil, ErrBrokerClientConfig
	}
	if subscriber.Options().PoolSize != 1 {
		return nil, ErrBrokerClientConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sha, err := client.ScriptLoad(ctx, promoteScript).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: preload promote script: %w", err)
	}

	return &Runtime{
		client:     client,
		subscriber: subscriber,
		promoteSHA: sha,
		regs:       make(map[string]*registration),
		cancels:    make(map[string]context.CancelFunc),
	}, nil
}

func known(queueName string) bool {
	for _, q := range KnownQueues {
		if q == queueName {
			return true
		}
	}
	return false
}

func k(queueName, suffix string) string {
	return keyPrefix + queueName + ":" + suffix
}

func jobKey(queueName, id string) string {
	return keyPrefix + queueName + ":job:" + id
}

func hbKey(queueName, id string) string {
	return keyPrefix + queueName + ":hb:" + id
}

// Enqueue appends a job and returns its id.
func (r *Runtime) Enqueue(ctx context.Context, queueName string, payload any, opts Options) (string, error) {
	if !known(queueName) {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     raw,
		MaxAttempts: opts.Attempts,
		BackoffMS:   opts.Backoff.Milliseconds(),
		Priority:    opts.Priority,
		EnqueuedAt:  time.Now().UTC(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(queueName, job.ID), body, 0)
	if opts.Delay > 0 {
		readyAt := time.Now().Add(opts.Delay).UnixMilli()
		pipe.ZAdd(ctx, k(queueName, "delayed"), redis.Z{Score: float64(readyAt), Member: job.ID})
	} else if opts.Priority > 0 {
		// Priority jobs drain from their own list ahead of normal traffic;
		// FIFO holds within each priority.
		pipe.RPush(ctx, k(queueName, "prio"), job.ID)
	} else {
		pipe.RPush(ctx, k(queueName, "wait"), job.ID)
	}
	pipe.LPush(ctx, wakeKey, queueName)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", queueName, err)
	}
	return job.ID, nil
}

// Register binds a handler to a queue with a declared concurrency. Must be
// called before Start.
func (r *Runtime) Register(queueName string, handler Handler, concurrency int, opts ...RegisterOption) error {
	if !known(queueName) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	reg := &registration{
		handler:     handler,
		concurrency: concurrency,
		stall:       defaultStall,
		slots:       make(chan struct{}, concurrency),
	}
	for _, o := range opts {
		o(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("queue: register after start: %s", queueName)
	}
	r.regs[queueName] = reg
	return nil
}

// Start launches the dispatcher, the delayed-job promoter and the stall
// sweeper.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.started = true
	r.stop = cancel
	r.mu.Unlock()

	r.wg.Add(3)
	go r.dispatch(ctx)
	go r.promote(ctx)
	go r.sweep(ctx)
}

// Stop cancels all loops and waits for in-flight handlers.
func (r *Runtime) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
	r.wg.Wait()
}

// dispatch drains wait lists into workers. When every queue is empty it
// parks on the shared blocking subscriber connection until an enqueue wakes
// it up.
func (r *Runtime) dispatch(ctx context.Context) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		dispatched := false
		r.mu.Lock()
		names := make([]string, 0, len(r.regs))
		for name := range r.regs {
			names = append(names, name)
		}
		r.mu.Unlock()

		for _, name := range names {
			reg := r.regs[name]
			select {
			case reg.slots <- struct{}{}:
			default:
				continue // queue saturated
			}

			id, err := r.client.LMove(ctx, k(name, "prio"), k(name, "active"), "LEFT", "RIGHT").Result()
			if err != nil || id == "" {
				id, err = r.client.LMove(ctx, k(name, "wait"), k(name, "active"), "LEFT", "RIGHT").Result()
			}
			if err != nil || id == "" {
				<-reg.slots
				continue
			}
			// Claim the heartbeat before the worker spins up so the sweeper
			// never sees a fresh active job without one.
			r.client.Set(ctx, hbKey(name, id), "1", reg.stall)

			dispatched = true
			r.wg.Add(1)
			go r.run(ctx, name, reg, id)
		}

		r.updateDepthMetrics(ctx, names)

		if !dispatched {
			// Blocking wait for work on the dedicated subscriber connection.
			r.subscriber.BRPop(ctx, time.Second, wakeKey)
		}
	}
}

func (r *Runtime) updateDepthMetrics(ctx context.Context, names []string) {
	for _, name := range names {
		n, err := r.client.LLen(ctx, k(name, "wait")).Result()
		if err != nil {
			continue
		}
		p, err := r.client.LLen(ctx, k(name, "prio")).Result()
		if err == nil {
			observability.QueueDepth.WithLabelValues(name).Set(float64(n + p))
		}
	}
}

// run executes one claimed job.
func (r *Runtime) run(ctx context.Context, queueName string, reg *registration, id string) {
	defer r.wg.Done()
	defer func() { <-reg.slots }()

	job, err := r.loadJob(ctx, queueName, id)
	if err != nil || job == nil {
		// Body lost (cleaned or corrupt): drop the claim.
		r.client.LRem(ctx, k(queueName, "active"), 1, id)
		r.client.Del(ctx, hbKey(queueName, id))
		return
	}

	job.Attempt++
	r.saveJob(ctx, job)

	// The handler context carries the stall budget: a stage that hangs past
	// it is cancelled instead of checking in forever.
	jctx, cancel := context.WithTimeout(ctx, reg.stall)
	defer cancel()
	r.mu.Lock()
	r.cancels[queueName+"/"+id] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, queueName+"/"+id)
		r.mu.Unlock()
	}()

	// Heartbeat refresher: the job checks in while the handler runs and the
	// stall budget lasts. A crash, or a handler that ignores its cancelled
	// context, stops the refresh and the sweeper reclaims the job.
	hbDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(reg.stall / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-jctx.Done():
				return
			case <-ticker.C:
				r.client.PExpire(ctx, hbKey(queueName, id), reg.stall)
			}
		}
	}()

	err = reg.handler(jctx, job)
	close(hbDone)

	r.client.LRem(ctx, k(queueName, "active"), 1, id)
	r.client.Del(ctx, hbKey(queueName, id))

	if err == nil {
		observability.JobAttempts.WithLabelValues(queueName, "ok").Inc()
		r.client.Del(ctx, jobKey(queueName, id))
		return
	}

	observability.JobAttempts.WithLabelValues(queueName, "error").Inc()
	r.retryOrBury(ctx, reg, job, err, cancel)
}

// retryOrBury reschedules a failed job with exponential backoff or moves it
// to the dead-letter list after its final attempt.
func (r *Runtime) retryOrBury(ctx context.Context, reg *registration, job *Job, cause error, cancel context.CancelFunc) {
	job.LastError = cause.Error()

	if job.Attempt >= job.MaxAttempts {
		// Cancellation signal: the handler must stop progress emission and
		// release the PO lock before we bury the job.
		cancel()
		r.saveJob(ctx, job)
		r.client.LPush(ctx, k(job.Queue, "dead"), job.ID)
		observability.DeadLetteredJobs.WithLabelValues(job.Queue).Inc()
		log.Printf("[QUEUE] %s job %s dead-lettered after %d attempts: %v", job.Queue, job.ID, job.Attempt, cause)
		if reg.onDead != nil {
			reg.onDead(job, cause)
		}
		return
	}

	backoff := time.Duration(job.BackoffMS) * time.Millisecond
	for i := 1; i < job.Attempt; i++ {
		backoff *= 2
	}
	r.saveJob(ctx, job)
	readyAt := time.Now().Add(backoff).UnixMilli()
	r.client.ZAdd(ctx, k(job.Queue, "delayed"), redis.Z{Score: float64(readyAt), Member: job.ID})
}

// promote moves due delayed jobs into their wait lists.
func (r *Runtime) promote(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			r.mu.Lock()
			names := make([]string, 0, len(r.regs))
			for name := range r.regs {
				names = append(names, name)
			}
			r.mu.Unlock()
			for _, name := range names {
				n, err := r.client.EvalSha(ctx, r.promoteSHA,
					[]string{k(name, "delayed"), k(name, "wait")},
					now, 100).Int64()
				if err == nil && n > 0 {
					r.client.LPush(ctx, wakeKey, name)
				}
			}
		}
	}
}

// sweep reclaims active jobs whose heartbeat expired (worker crash or hang
// beyond the stall timeout).
func (r *Runtime) sweep(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Runtime) sweepOnce(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.regs))
	for name := range r.regs {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		reg := r.regs[name]
		ids, err := r.client.LRange(ctx, k(name, "active"), 0, -1).Result()
		if err != nil {
			continue
		}
		for _, id := range ids {
			alive, err := r.client.Exists(ctx, hbKey(name, id)).Result()
			if err != nil || alive > 0 {
				continue
			}

			// Stalled: if the handler still runs locally, cancel it.
			r.mu.Lock()
			if cancel, ok := r.cancels[name+"/"+id]; ok {
				cancel()
			}
			r.mu.Unlock()

			removed, err := r.client.LRem(ctx, k(name, "active"), 1, id).Result()
			if err != nil || removed == 0 {
				continue // another sweeper got there first
			}

			job, err := r.loadJob(ctx, name, id)
			if err != nil || job == nil {
				continue
			}
			observability.JobAttempts.WithLabelValues(name, "stalled").Inc()
			log.Printf("[QUEUE] %s job %s stalled (attempt %d/%d), reclaiming", name, id, job.Attempt, job.MaxAttempts)
			r.retryOrBury(ctx, reg, job, fmt.Errorf("stalled: no check-in within %v", reg.stall), func() {})
		}
	}
}

func (r *Runtime) loadJob(ctx context.Context, queueName, id string) (*Job, error) {
	body, err := r.client.Get(ctx, jobKey(queueName, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Runtime) saveJob(ctx context.Context, job *Job) {
	body, err := json.Marshal(job)
	if err != nil {
		return
	}
	r.client.Set(ctx, jobKey(job.Queue, job.ID), body, 0)
}
