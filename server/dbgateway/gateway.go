package dbgateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopdock/poflow/server/observability"
)

// Config tunes the gateway. Zero values take the serverless defaults.
type Config struct {
	URL           string
	PoolSize      int32         // default 5
	ConnMaxAge    time.Duration // default 5m; idle handles older than this are re-probed
	WarmupWindow  time.Duration // default 2.5s target window between probes
	WarmupCeiling time.Duration // default 10s hard ceiling per warmup round
}

func (c Config) withDefaults() Config {
	if c.PoolSize == 0 {
		c.PoolSize = 5
	}
	if c.ConnMaxAge == 0 {
		c.ConnMaxAge = 5 * time.Minute
	}
	if c.WarmupWindow == 0 {
		c.WarmupWindow = 2500 * time.Millisecond
	}
	if c.WarmupCeiling == 0 {
		c.WarmupCeiling = 10 * time.Second
	}
	return c
}

const (
	maxAttempts          = 5
	baseBackoff          = 200 * time.Millisecond
	maxBackoff           = 3200 * time.Millisecond
	reconnectAfterStreak = 4
	probeTimeout         = 2 * time.Second
)

// Gateway is the single process-wide database handle. It gates every query
// behind engine warmup, retries transient failures on non-transactional
// calls, and replaces zombie connections after idle periods.
type Gateway struct {
	cfg  Config
	gate *warmupGate

	// probeFn substitutes the SELECT 1 probe in tests.
	probeFn func(ctx context.Context) error

	mu      sync.Mutex
	pool    *pgxpool.Pool
	lastUse time.Time
}

// New creates the gateway and starts warmup in the background. Callers get
// a usable handle immediately; queries block on the warmup gate.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	cfg = cfg.withDefaults()

	g := &Gateway{cfg: cfg, gate: newWarmupGate()}
	pool, err := g.newPool(ctx)
	if err != nil {
		return nil, err
	}
	g.pool = pool

	go g.warmup(context.WithoutCancel(ctx))
	return g, nil
}

func (g *Gateway) newPool(ctx context.Context) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(g.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pc.MaxConns = g.cfg.PoolSize
	pc.MinConns = 1
	pc.MaxConnLifetime = g.cfg.ConnMaxAge
	pc.HealthCheckPeriod = 30 * time.Second

	return pgxpool.NewWithConfig(ctx, pc)
}

// warmup probes the engine until it answers, then opens the gate. A round
// that exceeds the ceiling forces a full reconnect and a fresh round.
func (g *Gateway) warmup(ctx context.Context) {
	start := time.Now()
	for {
		deadline := time.Now().Add(g.cfg.WarmupCeiling)
		for time.Now().Before(deadline) {
			if err := g.runProbe(ctx); err == nil {
				elapsed := time.Since(start)
				observability.WarmupDuration.Observe(elapsed.Seconds())
				if elapsed > g.cfg.WarmupWindow {
					log.Printf("[GATEWAY] warmup completed in %v (target %v)", elapsed, g.cfg.WarmupWindow)
				}
				g.gate.Open()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
		}
		// Ceiling blown: the engine never answered. Assume a poisoned pool.
		log.Printf("[GATEWAY] warmup ceiling (%v) exceeded, reconnecting", g.cfg.WarmupCeiling)
		if err := g.replacePool(ctx); err != nil {
			log.Printf("[GATEWAY] reconnect during warmup failed: %v", err)
		}
	}
}

func (g *Gateway) runProbe(ctx context.Context) error {
	if g.probeFn != nil {
		return g.probeFn(ctx)
	}
	return g.probe(ctx)
}

func (g *Gateway) probe(ctx context.Context) error {
	g.mu.Lock()
	pool := g.pool
	g.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var one int
	return pool.QueryRow(pctx, "SELECT 1").Scan(&one)
}

// replacePool closes the current pool and creates a fresh one. The warmup
// gate stays as-is; callers use Reconnect for the full reset path.
func (g *Gateway) replacePool(ctx context.Context) error {
	pool, err := g.newPool(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	old := g.pool
	g.pool = pool
	g.mu.Unlock()
	if old != nil {
		old.Close()
	}
	observability.DBReconnects.Inc()
	return nil
}

// Reconnect tears down the engine connection and re-runs warmup. Used after
// engine-error streaks and failed health probes.
func (g *Gateway) Reconnect(ctx context.Context) error {
	g.gate.Reset()
	if err := g.replacePool(ctx); err != nil {
		// Reopen the gate so callers fail fast instead of hanging forever.
		g.gate.Open()
		return err
	}
	go g.warmup(context.WithoutCancel(ctx))
	return nil
}

// Client returns a ready handle, blocking until warmup has completed. A
// handle idle past ConnMaxAge is re-probed first; a failed probe forces a
// full reconnect (zombie-connection defense).
func (g *Gateway) Client(ctx context.Context) (*pgxpool.Pool, error) {
	if err := g.gate.Wait(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	idle := !g.lastUse.IsZero() && time.Since(g.lastUse) > g.cfg.ConnMaxAge
	g.lastUse = time.Now()
	pool := g.pool
	g.mu.Unlock()

	if idle {
		if err := g.runProbe(ctx); err != nil {
			log.Printf("[GATEWAY] health probe failed after idle period: %v; reconnecting", err)
			if rerr := g.Reconnect(ctx); rerr != nil {
				return nil, rerr
			}
			if err := g.gate.Wait(ctx); err != nil {
				return nil, err
			}
			g.mu.Lock()
			pool = g.pool
			g.mu.Unlock()
		}
	}
	return pool, nil
}

// WarmupComplete reports whether the gate is open.
func (g *Gateway) WarmupComplete() bool {
	return g.gate.IsOpen()
}

// RunRetryable executes a non-transactional read/write with up to 5
// attempts and exponential backoff. The gateway reconnects only after 4
// consecutive engine-class failures and never while warmup is in flight.
func (g *Gateway) RunRetryable(ctx context.Context, op func(ctx context.Context, pool *pgxpool.Pool) error) error {
	var lastErr error
	engineStreak := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pool, err := g.Client(ctx)
		if err != nil {
			return err
		}

		lastErr = op(ctx, pool)
		if lastErr == nil {
			return nil
		}

		class := Classify(lastErr)
		if !class.Retryable() {
			return lastErr
		}
		observability.DBRetries.WithLabelValues(class.String()).Inc()

		// ENGINE_EMPTY_RESPONSE gets exactly one retry.
		if class == ClassEngineEmptyResponse && attempt > 1 {
			return lastErr
		}

		if class == ClassEngineNotConnected || class == ClassEngineEmptyResponse {
			engineStreak++
		} else {
			engineStreak = 0
		}
		if engineStreak >= reconnectAfterStreak && g.gate.IsOpen() {
			log.Printf("[GATEWAY] %d consecutive engine errors, reconnecting: %v", engineStreak, lastErr)
			if rerr := g.Reconnect(ctx); rerr != nil {
				return rerr
			}
			engineStreak = 0
		}

		if attempt < maxAttempts {
			backoff := baseBackoff << (attempt - 1)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("retry budget exhausted: %w", lastErr)
}

// TxOptions tunes a Transaction call.
type TxOptions struct {
	Timeout time.Duration // default 15s
}

// Transaction opens a transaction after the warmup gate (the "transaction
// guard"), runs fn, and commits on nil return. Retries inside a transaction
// are disabled so failures surface immediately to the outer caller; the
// queue's retry policy owns recovery.
func (g *Gateway) Transaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}

	// Transaction guard: may not begin until warmup is complete.
	if err := g.gate.Wait(ctx); err != nil {
		return err
	}

	pool, err := g.Client(ctx)
	if err != nil {
		return err
	}

	txCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	tx, err := pool.Begin(txCtx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(txCtx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(txCtx, tx); err != nil {
		return err
	}
	if err := tx.Commit(txCtx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the pool.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pool != nil {
		g.pool.Close()
	}
}
