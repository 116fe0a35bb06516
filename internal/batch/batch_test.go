package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/flashrag/internal/pipeline"
)

// staggeredQuerier answers "q<n>" after a delay that shrinks with n, so
// later items finish first.
type staggeredQuerier struct {
	mu       sync.Mutex
	started  []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *staggeredQuerier) Query(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	s.mu.Lock()
	s.started = append(s.started, req.Text)
	s.mu.Unlock()

	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	switch {
	case strings.HasPrefix(req.Text, "fail"):
		return nil, &pipeline.StageError{Stage: pipeline.StateGenerate, Err: errors.New("model down")}
	case req.Text == "panic":
		panic("scorer bug")
	case req.Stream:
		return nil, errors.New("batch must not stream")
	}

	delay := time.Duration(10-len(req.Text)%10) * 3 * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &pipeline.Result{Answer: "answer to " + req.Text}, nil
}

func requests(texts ...string) []pipeline.Request {
	out := make([]pipeline.Request, len(texts))
	for i, t := range texts {
		out[i] = pipeline.Request{Text: t, UseCache: true, Stream: true}
	}
	return out
}

func TestRun_OrderAndIsolation(t *testing.T) {
	q := &staggeredQuerier{}
	e, err := New(q, 2, nil)
	require.NoError(t, err)

	items := e.Run(context.Background(), requests("a", "bb", "fail-1", "ccc", "panic", "dddd"))
	require.Len(t, items, 6)

	for i, it := range items {
		assert.Equal(t, i, it.Index)
	}
	assert.Equal(t, "answer to a", items[0].Result.Answer)
	assert.Equal(t, "answer to bb", items[1].Result.Answer)
	assert.Equal(t, "answer to ccc", items[3].Result.Answer)
	assert.Equal(t, "answer to dddd", items[5].Result.Answer)

	assert.Nil(t, items[2].Result)
	assert.ErrorIs(t, items[2].Err, pipeline.ErrGeneration)
	assert.Equal(t, pipeline.StateGenerate, items[2].Stage)
	assert.Contains(t, items[2].Error, "model down")

	assert.Nil(t, items[4].Result)
	require.Error(t, items[4].Err)
	assert.Contains(t, items[4].Error, "panicked")

	assert.LessOrEqual(t, q.peak.Load(), int32(2))
}

func TestRun_FIFOStart(t *testing.T) {
	q := &staggeredQuerier{}
	e, err := New(q, 1, nil)
	require.NoError(t, err)

	texts := []string{"one", "two", "three", "four"}
	items := e.Run(context.Background(), requests(texts...))
	require.Len(t, items, 4)
	assert.Equal(t, texts, q.started)
	assert.Equal(t, int32(1), q.peak.Load())
}

func TestRun_Bounded(t *testing.T) {
	q := &staggeredQuerier{}
	e, err := New(q, 3, nil)
	require.NoError(t, err)

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	items := e.Run(context.Background(), requests(texts...))
	for i, it := range items {
		require.NoError(t, it.Err)
		assert.Equal(t, "answer to "+texts[i], it.Result.Answer)
	}
	assert.LessOrEqual(t, q.peak.Load(), int32(3))
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := New(&staggeredQuerier{}, 2, nil)
	require.NoError(t, err)
	items := e.Run(ctx, requests("a", "b"))
	for _, it := range items {
		assert.ErrorIs(t, it.Err, context.Canceled)
	}
}

func TestRun_Empty(t *testing.T) {
	e, err := New(&staggeredQuerier{}, 2, nil)
	require.NoError(t, err)
	assert.Empty(t, e.Run(context.Background(), nil))
}

func TestNew_Workers(t *testing.T) {
	_, err := New(&staggeredQuerier{}, 0, nil)
	assert.Error(t, err)
}
