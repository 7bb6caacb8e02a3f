package processor

import (
	"context"
	"sync"
)

type ConcLimiter struct {
	*sync.WaitGroup
	Pool chan struct{}
}

func (c *ConcLimiter) Increase() {
	c.Add(1)
	c.Pool <- struct{}{}
}

// IncreaseContext is Increase that gives up once ctx is done.
func (c *ConcLimiter) IncreaseContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Add(1)
	select {
	case c.Pool <- struct{}{}:
		return nil
	case <-ctx.Done():
		c.Done()
		return ctx.Err()
	}
}

func (c *ConcLimiter) Decrease() {
	select {
	case <-c.Pool:
		c.Done()
	default:
	}
}

func NewConcLimiter(cLevel int) *ConcLimiter {
	if cLevel < 1 {
		cLevel = 1
	}
	var wg sync.WaitGroup
	return &ConcLimiter{&wg, make(chan struct{}, cLevel)}
}
