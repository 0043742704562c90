package dispatch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of dispatchers against the same queue. They
// share nothing but the queue's atomic pop.
type Pool struct {
	size  int
	build func(id int) *Dispatcher
}

// NewPool builds size dispatchers with build(1..size).
func NewPool(size int, build func(id int) *Dispatcher) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, build: build}
}

func (p *Pool) Size() int { return p.size }

// Run blocks until ctx is canceled and every dispatcher has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.size; i++ {
		d := p.build(i)
		g.Go(func() error {
			return d.Run(ctx)
		})
	}
	return g.Wait()
}
