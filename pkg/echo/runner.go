package echo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// RunChannels runs every engine concurrently, one worker per channel, and returns their
// results in the same order. Channels do not share a lock while streaming.
func RunChannels(ctx context.Context, engines ...*Engine) ([]Result, error) {
	if len(engines) == 0 {
		return nil, nil
	}
	pool, err := ants.NewPool(len(engines), ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	results := make([]Result, len(engines))
	errs := make([]error, len(engines))
	var wg sync.WaitGroup
	for i, e := range engines {
		i, e := i, e
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("channel %d worker: %v", e.dev.Handle().NotifyID(), r)
				}
			}()
			results[i], errs[i] = e.Run(ctx)
		}); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()
	return results, errors.Join(errs...)
}
