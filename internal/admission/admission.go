// Package admission decides whether a client may start another query.
//
// The gate is consulted before the pipeline runs. A rejected request never
// reaches the pipeline and is not counted in pipeline metrics.
package admission

import (
	"context"
	"errors"
)

// ErrRejected is returned to callers whose request was not admitted.
var ErrRejected = errors.New("rate limit exceeded")

// Gate admits or rejects requests per client key. An error means the gate
// could not decide; the request is not admitted.
type Gate interface {
	Allow(ctx context.Context, clientKey string) (bool, error)
}

// Unlimited admits everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

// Check is Allow folded into a single error: nil when admitted, ErrRejected
// when refused, or the gate's own error.
func Check(ctx context.Context, g Gate, clientKey string) error {
	ok, err := g.Allow(ctx, clientKey)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}
	return nil
}

var _ Gate = Unlimited{}
