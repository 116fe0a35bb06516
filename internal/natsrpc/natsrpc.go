// Package natsrpc serves the query pipeline over NATS request/reply with
// OpenTelemetry trace propagation in message headers.
package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/knoguchi/flashrag/internal/batch"
	"github.com/knoguchi/flashrag/internal/pipeline"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// ClientKeyHeader names the client a request is admitted under.
const ClientKeyHeader = "Client-Key"

// Reply codes.
const (
	CodeInvalid     = "invalid"
	CodeRejected    = "rejected"
	CodeUnavailable = "unavailable"
	CodeFailed      = "failed"
)

// QueryRequest is the body of a <prefix>.query message.
type QueryRequest struct {
	Query    string `json:"query"`
	UseCache *bool  `json:"use_cache,omitempty"`
}

// BatchRequest is the body of a <prefix>.batch message.
type BatchRequest struct {
	Queries  []string `json:"queries"`
	UseCache *bool    `json:"use_cache,omitempty"`
}

// Reply answers either request kind. Error and Code are set on failure.
type Reply struct {
	Result  *pipeline.Result `json:"result,omitempty"`
	Results []batch.Item     `json:"results,omitempty"`
	Error   string           `json:"error,omitempty"`
	Code    string           `json:"code,omitempty"`
	Stage   pipeline.State   `json:"stage,omitempty"`
}

// Err turns a failed reply back into an error.
func (r Reply) Err() error {
	if r.Error == "" {
		return nil
	}
	if r.Stage != "" {
		return fmt.Errorf("%s (%s at %s)", r.Error, r.Code, r.Stage)
	}
	return fmt.Errorf("%s (%s)", r.Error, r.Code)
}

// QuerySubject and BatchSubject name the subjects under prefix.
func QuerySubject(prefix string) string { return prefix + ".query" }
func BatchSubject(prefix string) string { return prefix + ".batch" }

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Request sends req to subject and decodes the reply. The wait is bounded by
// ctx, or by timeout when ctx has no deadline.
func Request[Req any](ctx context.Context, nc *nats.Conn, subject, clientKey string, req Req, timeout time.Duration) (Reply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode request: %w", err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: make(nats.Header)}
	if clientKey != "" {
		msg.Header.Set(ClientKeyHeader, clientKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return Reply{}, fmt.Errorf("no responder on %s: %w", subject, err)
		}
		return Reply{}, fmt.Errorf("request to %s failed: %w", subject, err)
	}

	var reply Reply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply, nil
}
