// Package common provides shared utilities for services.
package common

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const DefaultBatchConcurrency = 8

// BatchResult is the outcome of one batch item, in input order.
type BatchResult[T any, R any] struct {
	Input T
	Value R
	Err   error
}

// RunBatch applies fn to every item with at most limit calls in flight.
// One item's error or panic is recorded on its result and never stops the others.
// Cancelling ctx marks items that have not started with ctx.Err().
func RunBatch[T any, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) (R, error)) []BatchResult[T, R] {
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}
	results := make([]BatchResult[T, R], len(items))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		results[i].Input = item
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i].Err = fmt.Errorf("batch item panicked: %v", r)
				}
			}()
			v, err := fn(ctx, item)
			results[i].Value = v
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CountFailures returns how many results carry an error.
func CountFailures[T any, R any](results []BatchResult[T, R]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
