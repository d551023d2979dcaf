package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/hearth/internal/config"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/hearth/internal/providers")

// ErrNoProviders means the chain is empty: nothing is configured or a hot
// reload produced an empty list.
var ErrNoProviders = errors.New("no providers configured")

// Chain tries providers in order, failing over on transient errors
// (timeouts, rate limits, 5xx, network faults) and failing fast on
// permanent ones (4xx client errors). It satisfies Provider itself, so the
// agent loop never knows which upstream answered.
//
// The provider list is swappable at runtime for config hot reload.
type Chain struct {
	logger *slog.Logger

	mu        sync.RWMutex
	providers []Provider
}

func NewChain(logger *slog.Logger, providers ...Provider) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger, providers: providers}
}

// FromSpecs builds the providers for a configured chain. All entries speak
// the OpenAI-compatible wire protocol; BaseURL points them elsewhere.
func FromSpecs(specs []config.ProviderSpec) []Provider {
	out := make([]Provider, 0, len(specs))
	for _, spec := range specs {
		out = append(out, NewOpenAIProvider(spec.Name, spec.APIKey, spec.BaseURL, spec.Model))
	}
	return out
}

// SetProviders replaces the chain atomically. In-flight calls finish on the
// snapshot they started with.
func (c *Chain) SetProviders(providers []Provider) {
	c.mu.Lock()
	c.providers = providers
	c.mu.Unlock()
}

func (c *Chain) snapshot() []Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) DefaultModel() string {
	ps := c.snapshot()
	if len(ps) == 0 {
		return ""
	}
	return ps[0].DefaultModel()
}

func (c *Chain) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.chat",
		trace.WithAttributes(attribute.String("llm.model", req.Model)))
	defer span.End()

	resp, err := c.do(ctx, func(p Provider) (*ChatResponse, error) {
		return p.Chat(ctx, req)
	})
	finishChatSpan(span, resp, err)
	return resp, err
}

// ChatStream fails over only until the first chunk is emitted; after that
// the stream belongs to one provider and errors surface to the caller.
func (c *Chain) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.chat_stream",
		trace.WithAttributes(attribute.String("llm.model", req.Model)))
	defer span.End()

	resp, err := c.do(ctx, func(p Provider) (*ChatResponse, error) {
		started := false
		resp, err := p.ChatStream(ctx, req, func(chunk StreamChunk) {
			started = true
			if onChunk != nil {
				onChunk(chunk)
			}
		})
		if err != nil && started {
			// Mid-stream failure: the client already saw partial output,
			// failing over would duplicate it.
			return nil, &permanentError{err}
		}
		return resp, err
	})
	finishChatSpan(span, resp, err)
	return resp, err
}

func finishChatSpan(span trace.Span, resp *ChatResponse, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.String("llm.finish_reason", resp.FinishReason))
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
		)
	}
}

func (c *Chain) do(ctx context.Context, call func(Provider) (*ChatResponse, error)) (*ChatResponse, error) {
	ps := c.snapshot()
	if len(ps) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, p := range ps {
		resp, err := call(p)
		if err == nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("llm.provider", p.Name()))
			return resp, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return nil, perm.err
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name(), err)
		}
		c.logger.Warn("provider failed, trying next", "provider", p.Name(), "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
