// Package uidpool hands out OS-level user IDs to sandboxes.
//
// Every concurrently live container in one coordination domain must run as a
// distinct non-root UID so that per-user process accounting (RLIMIT_NPROC and
// friends) stays independent across sandboxes. The pool of available UIDs is
// a single Redis set shared by every sandbox process on every host: Acquire
// is an atomic SPOP, Release is an SADD. There is no check-then-set anywhere,
// so two processes can never pop the same token.
//
// A token held by a process that crashes without releasing it stays leaked
// for the run. Reclaiming leaked tokens is the job of an out-of-band reaper
// plus supervisor restart policy, not of this package.
package uidpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"gradebox/internal/logging"
	"gradebox/internal/metrics"
)

// Token identifies one leased OS user ID.
type Token int

// ErrExhausted is returned when no token became available within the
// acquisition wait budget. Callers are expected to retry with backoff;
// exhaustion is backpressure, not a fault.
var ErrExhausted = errors.New("uid pool exhausted")

// ErrForeignToken is returned when a released token lies outside the
// configured pool range. Accepting it would silently grow the pool.
var ErrForeignToken = errors.New("token outside uid pool range")

const (
	defaultKeyPrefix    = "gradebox:uidpool"
	defaultPollInterval = 100 * time.Millisecond
)

// Options configures a Pool. Start and Size are required; the rest default.
type Options struct {
	// KeyPrefix namespaces the Redis keys. All processes sharing one
	// coordination domain must use the same prefix.
	KeyPrefix string

	// Start is the first UID in the pool; Size is the number of UIDs.
	// The pool covers [Start, Start+Size).
	Start int
	Size  int

	// AcquireTimeout bounds how long Acquire waits on an empty pool.
	AcquireTimeout time.Duration

	// PollInterval is the retry cadence while waiting on an empty pool.
	PollInterval time.Duration

	Logger *zap.Logger
}

// Pool allocates UID tokens from a bounded set shared across processes.
type Pool struct {
	rdb            redis.UniversalClient
	keyPrefix      string
	start, size    int
	acquireTimeout time.Duration
	pollInterval   time.Duration
	log            *zap.Logger
}

// New constructs a Pool over an existing Redis client. It performs no I/O;
// call Seed once per coordination domain before the first Acquire.
func New(client redis.UniversalClient, opts Options) (*Pool, error) {
	if client == nil {
		return nil, fmt.Errorf("uidpool: redis client is required")
	}
	if opts.Start <= 0 {
		return nil, fmt.Errorf("uidpool: start must be a positive non-root uid, got %d", opts.Start)
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("uidpool: size must be positive, got %d", opts.Size)
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}

	return &Pool{
		rdb:            client,
		keyPrefix:      opts.KeyPrefix,
		start:          opts.Start,
		size:           opts.Size,
		acquireTimeout: opts.AcquireTimeout,
		pollInterval:   opts.PollInterval,
		log:            opts.Logger.Named("uidpool"),
	}, nil
}

func (p *Pool) availableKey() string { return p.keyPrefix + ":available" }
func (p *Pool) seededKey() string    { return p.keyPrefix + ":seeded" }

// Seed populates the availability set with the full token range. It is safe
// to call from every process: a sentinel key claimed with SETNX makes sure
// only the first caller writes the range, so tokens leased by already-running
// sandboxes are never re-added.
func (p *Pool) Seed(ctx context.Context) error {
	claimed, err := p.rdb.SetNX(ctx, p.seededKey(), 1, 0).Result()
	if err != nil {
		return fmt.Errorf("uidpool: claim seed sentinel: %w", err)
	}
	if !claimed {
		return nil
	}

	members := make([]interface{}, 0, p.size)
	for uid := p.start; uid < p.start+p.size; uid++ {
		members = append(members, uid)
	}
	if err := p.rdb.SAdd(ctx, p.availableKey(), members...).Err(); err != nil {
		// Undo the claim so another process can retry the seed.
		p.rdb.Del(context.Background(), p.seededKey())
		return fmt.Errorf("uidpool: seed %d tokens: %w", p.size, err)
	}

	p.log.Info("seeded uid pool",
		zap.Int("start", p.start),
		zap.Int("size", p.size))
	return nil
}

// Acquire atomically pops a token from the availability set. On an empty set
// it polls until a token shows up, the wait budget runs out (ErrExhausted),
// or ctx is cancelled. A cancelled Acquire holds nothing.
func (p *Pool) Acquire(ctx context.Context) (Token, error) {
	started := time.Now()
	deadline := started.Add(p.acquireTimeout)

	for {
		val, err := p.rdb.SPop(ctx, p.availableKey()).Result()
		switch {
		case err == nil:
			uid, convErr := strconv.Atoi(val)
			if convErr != nil {
				return 0, fmt.Errorf("uidpool: malformed token %q in pool: %w", val, convErr)
			}
			metrics.Get().AcquireWaitSeconds.Observe(time.Since(started).Seconds())
			metrics.Get().TokensLeased.Inc()
			p.log.Debug("acquired uid token", zap.Int("uid", uid))
			return Token(uid), nil
		case errors.Is(err, redis.Nil):
			// Pool is empty: expected backpressure, keep waiting.
		default:
			return 0, fmt.Errorf("uidpool: pop token: %w", err)
		}

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: waited %s", ErrExhausted, p.acquireTimeout)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// Release returns a token to the availability set. Releasing a token that is
// already available is a no-op (set semantics), which tolerates
// crash-recovery double-release. Tokens outside the configured range are
// rejected so Release can never grow the pool.
func (p *Pool) Release(ctx context.Context, t Token) error {
	uid := int(t)
	if uid < p.start || uid >= p.start+p.size {
		return fmt.Errorf("%w: %d not in [%d, %d)", ErrForeignToken, uid, p.start, p.start+p.size)
	}

	if err := p.rdb.SAdd(ctx, p.availableKey(), uid).Err(); err != nil {
		return fmt.Errorf("uidpool: release token %d: %w", uid, err)
	}
	metrics.Get().TokensLeased.Dec()
	p.log.Debug("released uid token", zap.Int("uid", uid))
	return nil
}

// Available reports how many tokens are currently free.
func (p *Pool) Available(ctx context.Context) (int64, error) {
	n, err := p.rdb.SCard(ctx, p.availableKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("uidpool: count available tokens: %w", err)
	}
	return n, nil
}
