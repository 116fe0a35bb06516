package pipeline

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knoguchi/flashrag/internal/llm"
)

// EventType names a stream event.
type EventType string

const (
	EventCacheHit          EventType = "cache_hit"
	EventRetrievalComplete EventType = "retrieval_complete"
	EventToken             EventType = "token"
	EventDone              EventType = "done"
	EventError             EventType = "error"
)

// Event is one item of a streamed query. A stream carries exactly one
// terminal event (done or error) unless the consumer cancelled it.
type Event struct {
	Type      EventType `json:"type"`
	Token     string    `json:"token,omitempty"`
	Retrieved int       `json:"retrieved,omitempty"`
	Reranked  int       `json:"reranked,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Stage     State     `json:"stage,omitempty"`
	Message   string    `json:"error,omitempty"`
	Err       error     `json:"-"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Stream runs req and delivers the answer incrementally. The channel is
// closed after the terminal event, or soon after ctx is cancelled. The
// answer is cached only if generation ended normally; a cancelled or failed
// stream writes nothing.
func (p *Pipeline) Stream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event)
	r := p.newRun(req)

	go func() {
		defer close(events)

		ctx, span := p.tracer.Start(ctx, "pipeline.stream", trace.WithAttributes(
			attribute.String("query_id", r.id),
			attribute.Bool("use_cache", req.UseCache),
		))
		defer span.End()

		res, err := p.stream(ctx, r, events)
		p.finish(r, res, err)
		if err == nil {
			emit(ctx, events, Event{Type: EventDone, Result: res})
			return
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// consumer went away
			return
		}
		emit(ctx, events, Event{
			Type:    EventError,
			Stage:   FailedStage(err),
			Message: err.Error(),
			Err:     err,
		})
	}()

	return events
}

func (p *Pipeline) stream(ctx context.Context, r *run, events chan<- Event) (*Result, error) {
	hit, gen, err := p.prepare(ctx, r)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		if !emit(ctx, events, Event{Type: EventCacheHit, Result: hit}) {
			return nil, ctx.Err()
		}
		return hit, nil
	}

	if !emit(ctx, events, Event{Type: EventRetrievalComplete, Retrieved: gen.retrieved, Reranked: gen.reranked}) {
		return nil, ctx.Err()
	}

	answer, err := p.generateStream(ctx, r, gen.prompt, events)
	if err != nil {
		return nil, err
	}

	p.store(ctx, r, answer, gen.contexts)
	return p.llmResult(r, answer, gen), nil
}

// generateStream forwards tokens to events and returns the full answer once
// the generator signals a normal end.
func (p *Pipeline) generateStream(ctx context.Context, r *run, prompt string, events chan<- Event) (string, error) {
	r.state = StateGenerate
	spanCtx, span := p.tracer.Start(ctx, "pipeline.generate")
	defer span.End()

	genCtx := spanCtx
	if p.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(spanCtx, p.cfg.GenerateTimeout)
		defer cancel()
	}

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// consumer cancellation is reported as such, not as a stage failure
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &StageError{Stage: StateGenerate, Err: err}
	}

	chunks, err := p.generator.GenerateStream(genCtx, prompt, p.cfg.Generate)
	if err != nil {
		return fail(err)
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				if err := genCtx.Err(); err != nil {
					return fail(err)
				}
				return fail(llm.ErrStreamTruncated)
			}
			if chunk.Error != nil {
				return fail(chunk.Error)
			}
			if chunk.Token != "" {
				sb.WriteString(chunk.Token)
				if !emit(ctx, events, Event{Type: EventToken, Token: chunk.Token}) {
					return fail(ctx.Err())
				}
			}
			if chunk.Done {
				return sb.String(), nil
			}
		}
	}
}

// emit delivers e unless ctx is cancelled first.
func emit(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
