// Package batch runs many queries through the pipeline with bounded
// parallelism.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/flashrag/internal/pipeline"
)

// Querier runs a single query to completion.
type Querier interface {
	Query(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Item is the outcome of one query. Exactly one of Result and Err is set.
type Item struct {
	Index  int              `json:"index"`
	Query  string           `json:"query"`
	Result *pipeline.Result `json:"result,omitempty"`
	Err    error            `json:"-"`
	Error  string           `json:"error,omitempty"`
	Stage  pipeline.State   `json:"stage,omitempty"`
}

// Executor fans queries out to at most Workers goroutines.
type Executor struct {
	querier Querier
	workers int
	logger  *slog.Logger
}

// New creates an Executor with the given worker count.
func New(q Querier, workers int, logger *slog.Logger) (*Executor, error) {
	if workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", workers)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{querier: q, workers: workers, logger: logger}, nil
}

// Run executes reqs and returns one Item per request, in input order
// regardless of completion order. Queued requests start in input order. A
// failing or panicking query affects only its own Item. Requests still queued
// when ctx is cancelled are not started and carry ctx's error.
func (e *Executor) Run(ctx context.Context, reqs []pipeline.Request) []Item {
	items := make([]Item, len(reqs))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, req := range reqs {
		items[i] = Item{Index: i, Query: req.Text}
		// batch results are always complete answers
		req.Stream = false

		g.Go(func() error {
			e.runOne(ctx, &items[i], req)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i := range items {
		if items[i].Err != nil {
			items[i].Error = items[i].Err.Error()
			items[i].Stage = pipeline.FailedStage(items[i].Err)
			failed++
		}
	}
	e.logger.Info("batch complete", "count", len(items), "failed", failed, "workers", e.workers)
	return items
}

func (e *Executor) runOne(ctx context.Context, item *Item, req pipeline.Request) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("query panicked", "index", item.Index, "panic", r, "stack", string(debug.Stack()))
			item.Result = nil
			item.Err = fmt.Errorf("query panicked: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		item.Err = err
		return
	}
	item.Result, item.Err = e.querier.Query(ctx, req)
	if item.Err != nil {
		item.Result = nil
	}
}
