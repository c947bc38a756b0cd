// Package ssr starts the server-side rendering process on a free port.
//
// The startup sequence is explicit: the caller constructs a Bootstrap and
// calls Resolve (or Listen) once. Nothing is computed at import time and
// nobody polls for a port to appear.
package ssr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/ssrport/internal/model"
	"github.com/shinji-kodama/ssrport/internal/store"
)

// maxBindRounds bounds how often Listen restarts the search after losing
// the race for a port to another process.
const maxBindRounds = 3

// ErrPersistFailed wraps failures of the store write and of the cache
// invalidation that follows it.
var ErrPersistFailed = errors.New("persist port")

// Searcher finds a free port. *port.Prober satisfies it.
type Searcher interface {
	Search(ctx context.Context, cfg model.ProbeConfig) (model.ProbeResult, error)
	Host() string

	// Policy is applied when a ProbeConfig leaves its policy empty.
	Policy() model.ExhaustionPolicy
}

// Bootstrap wires the port search to its optional downstream steps.
type Bootstrap struct {
	// Searcher runs the search. Required.
	Searcher Searcher

	// SearchTimeout bounds the search only. Binding, persisting and the
	// invalidator run under the caller's context. Zero means no limit.
	SearchTimeout time.Duration

	// Store receives the chosen port under Key. Nil disables persistence.
	Store store.Store
	Key   string

	// Invalidator runs after a successful persist. Nil disables it.
	Invalidator *store.Invalidator

	// ListenFunc opens the application listener. Defaults to net.ListenConfig.
	ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

	Logger *zap.Logger
}

func (b *Bootstrap) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// searchContext derives the context the search runs under.
func (b *Bootstrap) searchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.SearchTimeout > 0 {
		return context.WithTimeout(ctx, b.SearchTimeout)
	}
	return context.WithCancel(ctx)
}

// Resolve searches for a port, then persists it and clears the
// configuration cache when those steps are configured.
//
// A fallback result (Found=false under PolicyFallback) is persisted too,
// because it is the value the server will try to bind. A search error is
// returned as is and nothing is written.
func (b *Bootstrap) Resolve(ctx context.Context, cfg model.ProbeConfig) (model.ProbeResult, error) {
	if b.Searcher == nil {
		return model.ProbeResult{}, errors.New("ssr bootstrap: no searcher configured")
	}

	searchCtx, cancel := b.searchContext(ctx)
	result, err := b.Searcher.Search(searchCtx, cfg)
	cancel()
	if err != nil {
		return result, err
	}

	log := b.logger()
	if result.Found {
		log.Info("selected SSR port", zap.Int("port", result.Port), zap.Stringer("result", result))
	} else {
		log.Warn("no free SSR port, falling back to start port",
			zap.Int("port", result.Port), zap.Stringer("result", result))
	}

	if err := b.Persist(ctx, result.Port); err != nil {
		return result, err
	}
	return result, nil
}

// Persist writes port to the store and then runs the invalidator. It is a
// no-op without a store, and when the store already holds port under Key,
// so an unchanged port never triggers a cache clear.
func (b *Bootstrap) Persist(ctx context.Context, port int) error {
	if b.Store == nil {
		return nil
	}
	log := b.logger()

	current, ok, err := b.Store.Lookup(b.Key)
	switch {
	case err != nil:
		log.Debug("cannot read stored SSR port, rewriting it",
			zap.String("file", b.Store.Path()), zap.Error(err))
	case ok && current == port:
		log.Info("stored SSR port unchanged",
			zap.Int("port", port), zap.String("key", b.Key), zap.String("file", b.Store.Path()))
		return nil
	}

	if err := b.Store.Persist(b.Key, port); err != nil {
		return fmt.Errorf("%w %d as %s in %s: %w", ErrPersistFailed, port, b.Key, b.Store.Path(), err)
	}
	log.Info("persisted SSR port",
		zap.Int("port", port), zap.String("key", b.Key), zap.String("file", b.Store.Path()))

	if err := b.Invalidator.Run(ctx); err != nil {
		return fmt.Errorf("%w %d: %w", ErrPersistFailed, port, err)
	}
	return nil
}

// Listen resolves a port and binds the application listener on it.
//
// The search result is only a hint. When the real bind fails because the
// port was taken in the meantime, the search restarts just above that port
// with the attempts that remain, up to maxBindRounds times. Attempts and
// the exhaustion error always describe the whole call: they count every
// round and name cfg.StartPort. Persistence runs once, for the port that
// was actually bound.
func (b *Bootstrap) Listen(ctx context.Context, cfg model.ProbeConfig) (net.Listener, model.ProbeResult, error) {
	if b.Searcher == nil {
		return nil, model.ProbeResult{}, errors.New("ssr bootstrap: no searcher configured")
	}
	listen := b.ListenFunc
	if listen == nil {
		lc := &net.ListenConfig{}
		listen = lc.Listen
	}
	policy := cfg.Policy
	if policy == "" {
		policy = b.Searcher.Policy()
	}

	searchCtx, cancel := b.searchContext(ctx)
	defer cancel()

	log := b.logger()
	round := cfg
	used := 0
	var bindErr error

	for i := 0; i < maxBindRounds; i++ {
		result, err := b.Searcher.Search(searchCtx, round)
		used += result.Attempts
		if err != nil {
			if i == 0 || !errors.Is(err, model.ErrSearchExhausted) {
				return nil, model.ProbeResult{Attempts: used}, err
			}
			if policy != model.PolicyFallback {
				return nil, model.ProbeResult{Attempts: used},
					&model.SearchExhaustedError{StartPort: cfg.StartPort, Attempts: used}
			}
			log.Warn("no free SSR port left after a lost race, falling back to start port",
				zap.Int("port", cfg.StartPort), zap.Int("attempts", used))
			result = model.ProbeResult{Port: cfg.StartPort}
		}
		result.Attempts = used

		addr := net.JoinHostPort(b.Searcher.Host(), strconv.Itoa(result.Port))
		ln, err := listen(ctx, "tcp", addr)
		if err == nil {
			if err := b.Persist(ctx, result.Port); err != nil {
				_ = ln.Close()
				return nil, result, err
			}
			log.Info("SSR listener bound", zap.String("addr", ln.Addr().String()), zap.Stringer("result", result))
			return ln, result, nil
		}
		bindErr = fmt.Errorf("bind %s: %w", addr, err)

		remaining := cfg.MaxAttempts - used
		next := result.Port + 1
		if !result.Found || remaining < 1 || next > model.MaxPort {
			return nil, result, bindErr
		}
		log.Warn("lost the race for SSR port, searching again",
			zap.Int("port", result.Port), zap.Int("remaining", remaining), zap.Error(err))
		round = model.ProbeConfig{StartPort: next, MaxAttempts: remaining, Policy: model.PolicyFail}
	}

	return nil, model.ProbeResult{Attempts: used},
		fmt.Errorf("could not bind an SSR port after %d rounds starting at %d: %w", maxBindRounds, cfg.StartPort, bindErr)
}
