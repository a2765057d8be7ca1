// Package workers runs bounded worker lanes over the durable job queue.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// Lane serves one job kind with a fixed number of workers.
type Lane struct {
	Kind        domain.JobKind
	Handler     Handler
	Concurrency int
}

type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	// RetryBackoff is multiplied by the attempt count.
	RetryBackoff time.Duration
}

type Pool struct {
	store core.JobStore
	lanes []Lane
	opts  Options
	wake  map[domain.JobKind]chan struct{}
	log   zerolog.Logger
}

func New(store core.JobStore, opts Options, lanes ...Lane) *Pool {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 4 * opts.HeartbeatInterval
	}
	wake := make(map[domain.JobKind]chan struct{}, len(lanes))
	for _, l := range lanes {
		wake[l.Kind] = make(chan struct{}, 1)
	}
	return &Pool{
		store: store,
		lanes: lanes,
		opts:  opts,
		wake:  wake,
		log:   log.With().Str("module", "app.workers").Logger(),
	}
}

// Enqueue adds a job and wakes an idle worker of its lane.
func (p *Pool) Enqueue(ctx context.Context, kind domain.JobKind, key string, payload any) (bool, error) {
	added, err := p.store.Enqueue(ctx, kind, key, payload)
	if err != nil {
		return false, err
	}
	if added {
		p.notify(kind)
	}
	return added, nil
}

func (p *Pool) notify(kind domain.JobKind) {
	ch, ok := p.wake[kind]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done. Workers claim only their lane's kind.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.lanes) == 0 {
		return errors.New("workers: no lanes configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range p.lanes {
		n := max(1, lane.Concurrency)
		for i := range n {
			g.Go(func() error {
				p.runWorker(gctx, lane, i)
				return nil
			})
		}
		p.log.Info().Str("kind", string(lane.Kind)).Int("workers", n).Msg("lane started")
	}
	g.Go(func() error {
		p.reclaimLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, lane Lane, id int) {
	l := p.log.With().Str("kind", string(lane.Kind)).Int("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.store.Claim(ctx, lane.Kind)
		if err != nil {
			if ctx.Err() == nil {
				l.Error().Err(err).Msg("claim failed")
			}
			p.wait(ctx, lane.Kind)
			continue
		}
		if job == nil {
			p.wait(ctx, lane.Kind)
			continue
		}
		p.process(ctx, l, lane, job)
	}
}

func (p *Pool) wait(ctx context.Context, kind domain.JobKind) {
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.wake[kind]:
	case <-timer.C:
	}
}

func (p *Pool) process(ctx context.Context, l zerolog.Logger, lane Lane, job *domain.Job) {
	jl := l.With().Str("job", job.Key).Int("attempt", job.Attempts).Logger()
	jl.Info().Msg("job started")
	started := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, jl, job.Key)
	}()
	err := safeHandle(ctx, lane.Handler, *job)
	stopHeartbeat()
	<-hbDone

	// Settle the row even while shutting down.
	settle := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := p.store.Complete(settle, job.Key); cerr != nil {
			jl.Error().Err(cerr).Msg("complete failed")
			return
		}
		jl.Info().Dur("elapsed", time.Since(started)).Msg("job done")
		return
	}

	retry := domain.Retryable(err)
	backoff := p.opts.RetryBackoff * time.Duration(job.Attempts)
	if ctx.Err() != nil {
		retry, backoff = true, 0
	}
	status, ferr := p.store.Fail(settle, job.Key, err, retry, backoff)
	if ferr != nil {
		jl.Error().Err(ferr).AnErr("cause", err).Msg("fail failed")
		return
	}
	ev := jl.Warn()
	if status == domain.JobDead {
		ev = jl.Error()
	}
	ev.Err(err).Str("status", string(status)).Bool("retryable", retry).Dur("backoff", backoff).Msg("job failed")
}

func (p *Pool) heartbeat(ctx context.Context, l zerolog.Logger, key string) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, key); err != nil && !errors.Is(err, context.Canceled) {
				l.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// reclaimLoop returns jobs whose worker stopped heartbeating to the queue.
func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.StaleAfter / 2)
	defer ticker.Stop()
	for {
		n, err := p.store.ReclaimStale(ctx, p.opts.StaleAfter)
		switch {
		case err != nil && ctx.Err() == nil:
			p.log.Warn().Err(err).Msg("reclaim stale jobs failed")
		case n > 0:
			p.log.Info().Int("count", n).Msg("reclaimed stale jobs")
			for _, lane := range p.lanes {
				p.notify(lane.Kind)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func safeHandle(ctx context.Context, h Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.workers").Str("job", job.Key).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("handler panic")
			err = domain.Wrap(domain.ErrTransient, string(job.Kind), "handle", "panic", fmt.Errorf("%v", r))
		}
	}()
	return h.Handle(ctx, job)
}
