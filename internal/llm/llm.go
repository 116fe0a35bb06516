// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrStreamTruncated is reported when a stream ends without a final chunk.
var ErrStreamTruncated = errors.New("stream ended before completion")

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model specifies the LLM model to use (e.g., "llama3.2", "mistral").
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int
}

// StreamChunk represents a single chunk of streamed response from the LLM.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done marks the final chunk. A stream ended normally only if its last
	// chunk has Done set and no Error.
	Done bool

	// Error contains any error that occurred during streaming.
	Error error
}

// Generator defines the interface for text generation backends.
type Generator interface {
	// Generate sends a prompt to the LLM and returns the complete response.
	// It blocks until the full response is received or an error occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// GenerateStream returns a single-pass channel of chunks. The channel is
	// closed after a final chunk (Done or Error set) or, once ctx is
	// cancelled, as soon as the producer notices. Consumers that stop reading
	// must cancel ctx so the producer can exit.
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)
}

// Collect drains a stream and returns the concatenated text. It fails with
// the chunk error, with ctx.Err() if the stream was cancelled, or with
// ErrStreamTruncated if the channel closed without a final chunk.
func Collect(ctx context.Context, chunks <-chan StreamChunk) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				return "", ErrStreamTruncated
			}
			if chunk.Error != nil {
				return "", chunk.Error
			}
			sb.WriteString(chunk.Token)
			if chunk.Done {
				return sb.String(), nil
			}
		}
	}
}

// send delivers chunk unless ctx is cancelled first.
func send(ctx context.Context, chunks chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
