package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/classify"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/resilience"
)

// PartitionFunc returns the current partition for a class.
type PartitionFunc func(class classify.Class) (cache.Partition, error)

// RouterConfig configures a Router.
type RouterConfig struct {
	// Classifier defaults to classify.New(classify.DefaultRules()).
	Classifier *classify.Classifier

	// Partitions resolves the current partition per class. Required.
	Partitions PartitionFunc

	// Deps builds the default strategy of every class not in Strategies.
	Deps Deps

	// Strategies overrides the strategy per class.
	Strategies map[classify.Class]Strategy

	// Middleware wraps every execution. Optional.
	Middleware *observe.Middleware
}

// Router maps a request's class to its strategy.
type Router struct {
	classifier *classify.Classifier
	partitions PartitionFunc
	strategies map[classify.Class]Strategy
	middleware *observe.Middleware
	deps       Deps
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Partitions == nil {
		return nil, errors.New("strategy: partition resolver is required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.New(classify.DefaultRules())
	}
	if cfg.Middleware == nil {
		cfg.Middleware = observe.NewMiddleware(nil, nil, nil)
	}

	deps := cfg.Deps.withDefaults()
	strategies := make(map[classify.Class]Strategy, len(classify.CacheableClasses()))
	for _, class := range classify.CacheableClasses() {
		if s, ok := cfg.Strategies[class]; ok && s != nil {
			strategies[class] = s
			continue
		}
		if deps.ReadThrough == nil || deps.Fetcher == nil {
			return nil, fmt.Errorf("strategy: no strategy for %s and no deps to build one", class)
		}
		s, err := Default(class, deps)
		if err != nil {
			return nil, err
		}
		strategies[class] = s
	}

	return &Router{
		classifier: cfg.Classifier,
		partitions: cfg.Partitions,
		strategies: strategies,
		middleware: cfg.Middleware,
		deps:       deps,
	}, nil
}

// Classify returns the class of r.
func (rt *Router) Classify(r *http.Request) classify.Class {
	return rt.classifier.Classify(r)
}

// Route is a request resolved to its strategy and partition.
type Route struct {
	Class     classify.Class
	Partition cache.Partition
	strategy  Strategy
}

// Resolve picks the strategy and current partition for r. It does no I/O,
// so callers may hold a lock that pins the generation around it.
// Mutating and bypass requests return ErrNotCacheable.
func (rt *Router) Resolve(r *http.Request) (Route, error) {
	class := rt.classifier.Classify(r)
	if !class.Cacheable() {
		return Route{}, fmt.Errorf("%w: %s", ErrNotCacheable, class)
	}
	s, ok := rt.strategies[class]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrNoStrategy, class)
	}
	partition, err := rt.partitions(class)
	if err != nil {
		return Route{}, err
	}
	return Route{Class: class, Partition: partition, strategy: s}, nil
}

// Serve runs a resolved route.
func (rt *Router) Serve(ctx context.Context, route Route, r *http.Request) (*cache.Response, error) {
	s := route.strategy
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoStrategy, route.Class)
	}

	var resp *cache.Response
	exec := rt.middleware.Wrap(func(ctx context.Context, _ observe.OperationMeta) (string, error) {
		var err error
		resp, err = s.Execute(ctx, route.Partition.Name, r)
		if err != nil {
			return "", err
		}
		return string(resp.Source), nil
	})

	meta := observe.OperationMeta{Component: "intercept", Name: s.Name(), Class: string(route.Class)}
	if _, err := exec(ctx, meta); err != nil {
		return nil, err
	}
	return resp, nil
}

// Execute resolves and serves r.
func (rt *Router) Execute(ctx context.Context, r *http.Request) (*cache.Response, error) {
	route, err := rt.Resolve(r)
	if err != nil {
		return nil, err
	}
	return rt.Serve(ctx, route, r)
}

// RefreshStats reports usage of the background refresh bulkhead.
func (rt *Router) RefreshStats() resilience.BulkheadStats {
	return rt.deps.Refreshes.Stats()
}

// Wait blocks until background refreshes started so far have finished.
func (rt *Router) Wait() {
	rt.deps.Refreshes.Wait()
}
