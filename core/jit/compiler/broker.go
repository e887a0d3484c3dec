package compiler

import (
	"context"
	"sync"
	"time"

	ethlog "github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// Result is the outcome of compiling one method.
type Result struct {
	Method string
	Module *Module
	Err    error
	// Cached is set when the module came from the translation cache, Shared
	// when it was produced by a concurrent identical request.
	Cached bool
	Shared bool
	// IR is the module listing when Config.DumpIR is set.
	IR      string
	Elapsed time.Duration
}

// Broker compiles methods concurrently. Identical requests in flight are
// translated once, and finished modules are cached.
type Broker struct {
	cfg   Config
	pool  *ants.Pool
	cache *ModuleCache
	group singleflight.Group
}

// NewBroker starts a worker pool sized by cfg.Workers.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithExpiryDuration(10*time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	return &Broker{cfg: cfg, pool: pool, cache: NewModuleCache(cfg.CacheSize)}, nil
}

// Close releases the worker pool. Pending submissions fail afterwards.
func (b *Broker) Close() { b.pool.Release() }

// Cache exposes the broker's module cache.
func (b *Broker) Cache() *ModuleCache { return b.cache }

// Compile translates m on the calling goroutine, going through the cache
// and the in-flight deduplication.
func (b *Broker) Compile(ctx context.Context, m *bytecode.Method) (res Result) {
	start := time.Now()
	res.Method = m.Key()
	defer func() { res.Elapsed = time.Since(start) }()
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	key := CacheKey(m, b.cfg)
	if mod, ok := b.cache.Get(key); ok {
		res.Module, res.Cached = mod, true
		b.finish(&res)
		return res
	}
	v, err, shared := b.group.Do(key.Hex(), func() (interface{}, error) {
		// A flight that finished after our cache lookup already stored it.
		if mod, ok := b.cache.Get(key); ok {
			return mod, nil
		}
		mod, err := GenerateModule(m, b.cfg)
		if err != nil {
			return nil, err
		}
		b.cache.Add(key, mod)
		return mod, nil
	})
	if shared {
		brokerDedupCounter.Inc(1)
	}
	res.Shared = shared
	if err != nil {
		brokerFailedCounter.Inc(1)
		res.Err = err
		return res
	}
	// A cancelled caller discards the module even if it was produced.
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	res.Module = v.(*Module)
	b.finish(&res)
	return res
}

func (b *Broker) finish(res *Result) {
	if b.cfg.DumpIR {
		res.IR = res.Module.Dump()
	}
}

// CompileAll compiles a batch on the worker pool and returns one result per
// method, in input order. A failed method never affects the others.
func (b *Broker) CompileAll(ctx context.Context, methods []*bytecode.Method) []Result {
	batch := uuid.New()
	logger := ethlog.New("batch", batch.String())
	logger.Debug("Compiling batch", "methods", len(methods), "workers", b.pool.Cap())
	start := time.Now()

	results := make([]Result, len(methods))
	var wg sync.WaitGroup
	for i, m := range methods {
		i, m := i, m
		wg.Add(1)
		err := b.pool.Submit(func() {
			defer wg.Done()
			results[i] = b.Compile(ctx, m)
		})
		if err != nil {
			wg.Done()
			results[i] = Result{Method: m.Key(), Err: errors.Wrap(err, "submit")}
		}
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.Debug("Method not compiled", "method", r.Method, "err", r.Err)
		}
	}
	logger.Info("Compiled batch", "methods", len(methods), "failed", failed, "elapsed", time.Since(start))
	return results
}
