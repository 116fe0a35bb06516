package natsrpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/knoguchi/flashrag/internal/batch"
	"github.com/knoguchi/flashrag/internal/pipeline"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	require.NoError(t, err)
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type fakeQuerier struct {
	mu   sync.Mutex
	reqs []pipeline.Request
	err  error
}

func (q *fakeQuerier) Query(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	q.mu.Lock()
	q.reqs = append(q.reqs, req)
	q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	return &pipeline.Result{Answer: "echo " + req.Text, Source: pipeline.SourceLLM}, nil
}

type fakeBatch struct{}

func (fakeBatch) Run(_ context.Context, reqs []pipeline.Request) []batch.Item {
	items := make([]batch.Item, len(reqs))
	for i, r := range reqs {
		items[i] = batch.Item{Index: i, Query: r.Text, Result: &pipeline.Result{Answer: r.Text}}
	}
	return items
}

type denyGate struct {
	mu   sync.Mutex
	keys []string
	deny bool
	err  error
}

func (g *denyGate) Allow(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, key)
	return !g.deny, g.err
}

func startResponder(t *testing.T, q Querier, gate *denyGate) *nats.Conn {
	t.Helper()
	nc := startTestNATS(t)
	r, err := NewResponder(nc, q, fakeBatch{}, Config{Prefix: "flashrag", Gate: gate, MaxBatchSize: 2})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return nc
}

func TestResponder_Query(t *testing.T) {
	q := &fakeQuerier{}
	gate := &denyGate{}
	nc := startResponder(t, q, gate)
	ctx := context.Background()

	off := false
	reply, err := Request(ctx, nc, QuerySubject("flashrag"), "tenant-a", QueryRequest{Query: "capital", UseCache: &off}, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, reply.Err())
	assert.Equal(t, "echo capital", reply.Result.Answer)

	require.Len(t, q.reqs, 1)
	assert.False(t, q.reqs[0].UseCache)
	assert.Equal(t, []string{"tenant-a"}, gate.keys)
}

func TestResponder_QueryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty query", func(t *testing.T) {
		nc := startResponder(t, &fakeQuerier{}, &denyGate{})
		reply, err := Request(ctx, nc, QuerySubject("flashrag"), "", QueryRequest{Query: "  "}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, CodeInvalid, reply.Code)
	})

	t.Run("rejected", func(t *testing.T) {
		q := &fakeQuerier{}
		nc := startResponder(t, q, &denyGate{deny: true})
		reply, err := Request(ctx, nc, QuerySubject("flashrag"), "", QueryRequest{Query: "q"}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, CodeRejected, reply.Code)
		assert.Empty(t, q.reqs)
	})

	t.Run("gate unavailable", func(t *testing.T) {
		nc := startResponder(t, &fakeQuerier{}, &denyGate{err: errors.New("db down")})
		reply, err := Request(ctx, nc, QuerySubject("flashrag"), "", QueryRequest{Query: "q"}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, CodeUnavailable, reply.Code)
	})

	t.Run("stage failure", func(t *testing.T) {
		q := &fakeQuerier{err: &pipeline.StageError{Stage: pipeline.StateRetrieve, Err: errors.New("qdrant down")}}
		nc := startResponder(t, q, &denyGate{})
		reply, err := Request(ctx, nc, QuerySubject("flashrag"), "", QueryRequest{Query: "q"}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, CodeFailed, reply.Code)
		assert.Equal(t, pipeline.StateRetrieve, reply.Stage)
		assert.Error(t, reply.Err())
	})
}

func TestResponder_Batch(t *testing.T) {
	gate := &denyGate{}
	nc := startResponder(t, &fakeQuerier{}, gate)
	ctx := context.Background()

	reply, err := Request(ctx, nc, BatchSubject("flashrag"), "", BatchRequest{Queries: []string{"a", "b"}}, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, reply.Results, 2)
	assert.Equal(t, "a", reply.Results[0].Result.Answer)
	assert.Equal(t, "b", reply.Results[1].Result.Answer)
	assert.Equal(t, []string{"nats"}, gate.keys, "unnamed clients share one key")

	reply, err = Request(ctx, nc, BatchSubject("flashrag"), "", BatchRequest{Queries: []string{"a", "b", "c"}}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, CodeInvalid, reply.Code)
}

func TestRequest_NoResponder(t *testing.T) {
	nc := startTestNATS(t)
	_, err := Request(context.Background(), nc, QuerySubject("nobody"), "", QueryRequest{Query: "q"}, time.Second)
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestNewResponder_Validation(t *testing.T) {
	_, err := NewResponder(nil, &fakeQuerier{}, fakeBatch{}, Config{Prefix: "x"})
	assert.Error(t, err)
}
