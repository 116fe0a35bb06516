package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/knoguchi/flashrag/internal/admission"
	"github.com/knoguchi/flashrag/internal/batch"
	"github.com/knoguchi/flashrag/internal/pipeline"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"
)

// Querier answers a single query to completion.
type Querier interface {
	Query(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// BatchRunner answers a list of queries in input order.
type BatchRunner interface {
	Run(ctx context.Context, reqs []pipeline.Request) []batch.Item
}

// Config configures a Responder.
type Config struct {
	// Prefix is the subject prefix. Instances sharing a prefix form one
	// queue group.
	Prefix       string
	MaxInFlight  int64
	MaxBatchSize int
	// Timeout bounds one request, batch included.
	Timeout time.Duration
	Gate    admission.Gate
	Logger  *slog.Logger
}

// Responder serves <prefix>.query and <prefix>.batch.
type Responder struct {
	nc      *nats.Conn
	querier Querier
	batch   BatchRunner
	cfg     Config
	logger  *slog.Logger
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

// NewResponder creates a responder; Start subscribes it.
func NewResponder(nc *nats.Conn, q Querier, b BatchRunner, cfg Config) (*Responder, error) {
	if nc == nil || q == nil || b == nil {
		return nil, errors.New("nats connection, querier and batch runner are required")
	}
	if cfg.Prefix == "" {
		return nil, errors.New("subject prefix is required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Gate == nil {
		cfg.Gate = admission.Unlimited{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Responder{
		nc:      nc,
		querier: q,
		batch:   b,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start subscribes both subjects in the prefix's queue group.
func (r *Responder) Start() error {
	handlers := map[string]nats.MsgHandler{
		QuerySubject(r.cfg.Prefix): r.dispatch(r.handleQuery),
		BatchSubject(r.cfg.Prefix): r.dispatch(r.handleBatch),
	}
	for subject, h := range handlers {
		sub, err := r.nc.QueueSubscribe(subject, r.cfg.Prefix, h)
		if err != nil {
			r.unsubscribe()
			return fmt.Errorf("failed to subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
		r.logger.Info("subscribed", "subject", subject, "queue", r.cfg.Prefix)
	}
	return nil
}

// Stop unsubscribes, cancels in-flight requests and waits for them.
func (r *Responder) Stop() {
	r.unsubscribe()
	r.cancel()
	r.wg.Wait()
}

func (r *Responder) unsubscribe() {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			r.logger.Warn("failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	r.subs = nil
}

// dispatch runs h off the subscription goroutine, at most MaxInFlight at a
// time.
func (r *Responder) dispatch(h func(context.Context, *nats.Msg) Reply) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)

			ctx := otel.GetTextMapPropagator().Extract(r.ctx, (*headerCarrier)(msg))
			ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()

			r.respond(msg, h(ctx, msg))
		}()
	}
}

func (r *Responder) respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Error("failed to encode reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to send reply", "subject", msg.Subject, "error", err)
	}
}

func (r *Responder) handleQuery(ctx context.Context, msg *nats.Msg) Reply {
	var req QueryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return Reply{Error: "invalid request body: " + err.Error(), Code: CodeInvalid}
	}
	if strings.TrimSpace(req.Query) == "" {
		return Reply{Error: pipeline.ErrEmptyQuery.Error(), Code: CodeInvalid}
	}
	if reply, ok := r.admit(ctx, msg); !ok {
		return reply
	}

	res, err := r.querier.Query(ctx, pipeline.Request{Text: req.Query, UseCache: useCache(req.UseCache)})
	if err != nil {
		return Reply{Error: err.Error(), Code: CodeFailed, Stage: pipeline.FailedStage(err)}
	}
	return Reply{Result: res}
}

func (r *Responder) handleBatch(ctx context.Context, msg *nats.Msg) Reply {
	var req BatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return Reply{Error: "invalid request body: " + err.Error(), Code: CodeInvalid}
	}
	if len(req.Queries) == 0 {
		return Reply{Error: "queries are required", Code: CodeInvalid}
	}
	if len(req.Queries) > r.cfg.MaxBatchSize {
		return Reply{
			Error: fmt.Sprintf("batch of %d queries exceeds the limit of %d", len(req.Queries), r.cfg.MaxBatchSize),
			Code:  CodeInvalid,
		}
	}
	if reply, ok := r.admit(ctx, msg); !ok {
		return reply
	}

	cached := useCache(req.UseCache)
	reqs := make([]pipeline.Request, len(req.Queries))
	for i, q := range req.Queries {
		reqs[i] = pipeline.Request{Text: q, UseCache: cached}
	}
	return Reply{Results: r.batch.Run(ctx, reqs)}
}

func (r *Responder) admit(ctx context.Context, msg *nats.Msg) (Reply, bool) {
	client := clientKey(msg)
	err := admission.Check(ctx, r.cfg.Gate, client)
	switch {
	case err == nil:
		return Reply{}, true
	case errors.Is(err, admission.ErrRejected):
		return Reply{Error: err.Error(), Code: CodeRejected}, false
	default:
		r.logger.Error("admission check failed", "error", err, "client", client)
		return Reply{Error: "admission unavailable", Code: CodeUnavailable}, false
	}
}

func clientKey(msg *nats.Msg) string {
	if msg.Header != nil {
		if key := strings.TrimSpace(msg.Header.Get(ClientKeyHeader)); key != "" {
			return key
		}
	}
	return "nats"
}

func useCache(v *bool) bool {
	return v == nil || *v
}
