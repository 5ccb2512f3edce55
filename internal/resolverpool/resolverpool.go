// Package resolverpool implements a [model.ProxyResolverFactory] creating
// resolvers backed by a bounded pool of lazily created workers, each owning
// an independent [model.PACEvaluator].
//
// Because each worker loads the script independently, a script whose
// initialization is not deterministic may cause workers to disagree.
package resolverpool

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/ooni/pacproxy/internal/erroror"
	"github.com/ooni/pacproxy/internal/model"
	"github.com/ooni/pacproxy/internal/pacerrors"
	"github.com/ooni/pacproxy/internal/runtimex"
)

// DefaultMaxWorkers is the default maximum number of workers.
const DefaultMaxWorkers = 4

// Factory is a [model.ProxyResolverFactory] creating [*Resolver] instances.
type Factory struct {
	// EvaluatorFactory is the MANDATORY factory creating evaluators.
	EvaluatorFactory model.PACEvaluatorFactory

	// Logger is the OPTIONAL logger.
	Logger model.Logger

	// MaxWorkers is the OPTIONAL maximum number of workers. When zero
	// or negative, we use [DefaultMaxWorkers].
	MaxWorkers int
}

var _ model.ProxyResolverFactory = &Factory{}

// CreateProxyResolver implements model.ProxyResolverFactory. We load the
// script into a first worker before returning: when this trial load fails
// we return its error and there are no workers.
func (f *Factory) CreateProxyResolver(ctx context.Context, script *model.PACScript) (model.ProxyResolver, error) {
	runtimex.Assert(f.EvaluatorFactory != nil, "resolverpool: nil EvaluatorFactory")
	if script == nil || script.Content == "" {
		return nil, pacerrors.ErrPACScriptEmpty
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := model.ValidLoggerOrDefault(f.Logger)
	evaluator, err := f.EvaluatorFactory.NewPACEvaluator(script.Content)
	if err != nil {
		logger.Warnf("resolverpool: trial load of %s failed: %s", script.URL, err.Error())
		return nil, err
	}
	maxWorkers := f.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	r := &Resolver{
		factory:    f.EvaluatorFactory,
		logger:     logger,
		maxWorkers: maxWorkers,
		script:     script.Content,
	}
	r.cond = sync.NewCond(&r.mu)
	r.mu.Lock()
	r.numWorkers++
	r.mu.Unlock()
	go r.worker(evaluator, nil)
	return r, nil
}

// job is a pending GetProxyForURL call.
type job struct {
	ctx  context.Context
	done chan *erroror.Value[string]
	key  string
	url  *url.URL
}

// Resolver is a goroutine-safe [model.ProxyResolver] dispatching the
// requests to a bounded pool of workers in FIFO order. We create a new
// worker, up to the maximum, when a request arrives and no worker is idle.
type Resolver struct {
	closed     bool
	cond       *sync.Cond
	factory    model.PACEvaluatorFactory
	idle       int
	logger     model.Logger
	maxWorkers int
	mu         sync.Mutex
	numWorkers int
	queue      []*job
	script     string
}

var _ model.ProxyResolver = &Resolver{}

// GetProxyForURL implements model.ProxyResolver. Cancelling the context
// before a worker picks the request removes it from the queue. Cancelling
// the context afterwards causes the evaluator to see a cancelled context
// and we return immediately without waiting for it.
func (r *Resolver) GetProxyForURL(ctx context.Context, URL *url.URL, isolationKey string) (string, error) {
	j := &job{
		ctx:  ctx,
		done: make(chan *erroror.Value[string], 1),
		key:  isolationKey,
		url:  URL,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", pacerrors.ErrAborted
	}
	r.queue = append(r.queue, j)
	if !r.maybeSpawnLocked() {
		r.cond.Signal()
	}
	r.mu.Unlock()

	select {
	case result := <-j.done:
		return result.Unwrap()
	case <-ctx.Done():
		r.mu.Lock()
		r.removeLocked(j)
		r.mu.Unlock()
		return "", ctx.Err()
	}
}

// NumWorkers returns the number of live workers.
func (r *Resolver) NumWorkers() int {
	defer r.mu.Unlock()
	r.mu.Lock()
	return r.numWorkers
}

// Close implements model.ProxyResolver. Queued requests fail with
// [pacerrors.ErrAborted] and workers exit after their current request.
// This method is idempotent and does not wait for the workers.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	queue := r.queue
	r.queue = nil
	r.cond.Broadcast()
	r.mu.Unlock()
	for _, j := range queue {
		j.done <- &erroror.Value[string]{Err: pacerrors.ErrAborted}
	}
}

// maybeSpawnLocked creates a new worker for the first queued job when
// no worker is idle and we can have more workers.
func (r *Resolver) maybeSpawnLocked() bool {
	if r.closed || len(r.queue) <= 0 || r.idle > 0 || r.numWorkers >= r.maxWorkers {
		return false
	}
	first := r.queue[0]
	r.queue = r.queue[1:]
	r.numWorkers++
	go r.lazyWorker(first)
	return true
}

func (r *Resolver) removeLocked(j *job) {
	for idx, entry := range r.queue {
		if entry == j {
			r.queue = append(r.queue[:idx:idx], r.queue[idx+1:]...)
			return
		}
	}
}

// lazyWorker creates an evaluator and then becomes a worker. On failure
// it fails the job that caused its creation and exits.
func (r *Resolver) lazyWorker(first *job) {
	evaluator, err := r.factory.NewPACEvaluator(r.script)
	if err != nil {
		r.logger.Warnf("resolverpool: cannot create worker: %s", err.Error())
		first.done <- &erroror.Value[string]{Err: err}
		r.retire()
		return
	}
	r.worker(evaluator, first)
}

func (r *Resolver) worker(evaluator model.PACEvaluator, first *job) {
	j := first
	for {
		if j == nil {
			var good bool
			if j, good = r.next(); !good {
				r.retire()
				return
			}
		}
		value, err := r.run(evaluator, j)
		j.done <- &erroror.Value[string]{Err: err, Value: value}
		if errors.Is(err, pacerrors.ErrPACScriptTerminated) {
			r.logger.Warn("resolverpool: script terminated; retiring worker")
			r.retire()
			return
		}
		j = nil
	}
}

func (r *Resolver) run(evaluator model.PACEvaluator, j *job) (string, error) {
	if err := j.ctx.Err(); err != nil {
		return "", err
	}
	r.logger.Debugf("resolverpool: FindProxyForURL(%s) key=%q", j.url.String(), j.key)
	return evaluator.FindProxyForURL(j.ctx, j.url.String(), j.url.Hostname())
}

// next blocks until there is a job to run or the resolver is closed.
func (r *Resolver) next() (*job, bool) {
	defer r.mu.Unlock()
	r.mu.Lock()
	for len(r.queue) <= 0 && !r.closed {
		r.idle++
		r.cond.Wait()
		r.idle--
	}
	if r.closed {
		return nil, false
	}
	j := r.queue[0]
	r.queue = r.queue[1:]
	return j, true
}

// retire accounts for a worker exiting and replaces it if needed.
func (r *Resolver) retire() {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.numWorkers--
	r.maybeSpawnLocked()
}
