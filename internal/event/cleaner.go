package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-shortener/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type namedCallable struct {
	name     string
	callable Callable
}

// Cleaner runs registered shutdown hooks in registration order, each bounded
// by its own timeout.
type Cleaner struct {
	cleaners []namedCallable
	mu       sync.Mutex
	cleaning bool
	timeout  time.Duration
}

func NewCleaner(timeout time.Duration) *Cleaner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Cleaner{timeout: timeout}
}

func (c *Cleaner) Add(name string, callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.DebugF("Cleaner is already shutting down, ignoring cleaner %s", name)
		return
	}
	c.cleaners = append(c.cleaners, namedCallable{name: name, callable: callable})
}

// Clean invokes every hook once. Later calls are no-ops.
func (c *Cleaner) Clean() error {
	c.mu.Lock()
	if c.cleaning {
		c.mu.Unlock()
		return nil
	}
	c.cleaning = true
	cleanersCopy := make([]namedCallable, len(c.cleaners))
	copy(cleanersCopy, c.cleaners)
	c.mu.Unlock()

	logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

	var errs []error
	for i, cleaner := range cleanersCopy {
		func(idx int, nc namedCallable) {
			logger.DebugF("Invoking cleaner #%d (%s)", idx+1, nc.name)
			timeoutCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			if err := nc.callable.Invoke(timeoutCtx); err != nil {
				logger.ErrorF("Cleaner #%d (%s) failed: %v", idx+1, nc.name, err)
				errs = append(errs, fmt.Errorf("%s: %w", nc.name, err))
			}
		}(i, cleaner)
	}

	if len(errs) > 0 {
		logger.ErrorF("%d errors occurred during cleanup", len(errs))
		return errors.Join(errs...)
	}
	logger.Debug("All cleaners executed successfully")
	return nil
}
