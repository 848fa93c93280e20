package search

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// forEachRow fans fn out over rows with at most limit goroutines in flight.
// Rows are independent by construction: every processor and selector scan
// touches only its own score row and its own hypothesis history.
func forEachRow(ctx context.Context, rows, limit int, fn func(r int) error) error {
	if rows == 0 {
		return nil
	}
	if limit <= 1 || rows == 1 {
		for r := 0; r < rows; r++ {
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for r := 0; r < rows; r++ {
		g.Go(func() error { return fn(r) })
	}
	return g.Wait()
}
