package cycle

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group runs the controllers of several tasks side by side in one process.
type Group struct {
	controllers []*Controller
}

func NewGroup(controllers ...*Controller) *Group {
	return &Group{controllers: controllers}
}

func (g *Group) Controllers() []*Controller {
	return g.controllers
}

// Run loops every controller until ctx is done.
func (g *Group) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, c := range g.controllers {
		eg.Go(func() error {
			return c.Run(egCtx)
		})
	}
	return eg.Wait()
}

// RunOnce runs one cycle of every controller concurrently. Outcomes are in
// controller order; the error joins every cycle error.
func (g *Group) RunOnce(ctx context.Context) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(g.controllers))
	errs := make([]error, len(g.controllers))

	var wg sync.WaitGroup
	for i, c := range g.controllers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = c.RunOnce(ctx)
		}()
	}
	wg.Wait()
	return outcomes, errors.Join(errs...)
}
