package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskgraph/graphd/internal/graph/types"
)

// Summarizer turns a batch of retro findings into a short prose summary.
// graph_retro works fully without one (persisting findings is the only hard
// requirement). Submit treats a nil Summarizer, or one that errors, as
// "no AI summary available" rather than a hard failure.
type Summarizer interface {
	Summarize(ctx context.Context, findings []Finding, resolved []*types.Node) (string, error)
}

const (
	aiMaxRetries     = 3
	aiInitialBackoff = 1 * time.Second
)

// AnthropicSummarizer calls the Anthropic Messages API with a bounded
// retry/backoff and span instrumentation around each call.
type AnthropicSummarizer struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicSummarizer builds a Summarizer for apiKey/model. A blank
// apiKey disables the feature (NewSummarizerFromConfig returns nil instead
// of calling this).
func NewAnthropicSummarizer(apiKey, model string) *AnthropicSummarizer {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicSummarizer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// NewSummarizerFromConfig returns nil when apiKey is empty, so callers can
// wire it unconditionally and let Submit's nil-check do the rest.
func NewSummarizerFromConfig(apiKey, model string) Summarizer {
	if apiKey == "" {
		return nil
	}
	return NewAnthropicSummarizer(apiKey, model)
}

func (a *AnthropicSummarizer) Summarize(ctx context.Context, findings []Finding, resolved []*types.Node) (string, error) {
	prompt := renderRetroPrompt(findings, resolved)
	return a.callWithRetry(ctx, prompt)
}

func renderRetroPrompt(findings []Finding, resolved []*types.Node) string {
	var b strings.Builder
	b.WriteString("Summarize this development retro in two or three sentences for a teammate who wasn't there. ")
	b.WriteString("Findings:\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s\n", f.Category, f.Summary)
	}
	if len(resolved) > 0 {
		b.WriteString("Resolved since the last retro:\n")
		for _, n := range resolved {
			fmt.Fprintf(&b, "- %s\n", n.Summary)
		}
	}
	return b.String()
}

func (a *AnthropicSummarizer) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var tracer trace.Tracer = otel.Tracer("github.com/taskgraph/graphd/knowledge")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("graphd.ai.model", string(a.model)),
		attribute.String("graphd.ai.operation", "retro_summary"),
	)

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= aiMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := aiInitialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			span.SetAttributes(attribute.Int("graphd.ai.attempts", attempt+1))
			if len(message.Content) > 0 && message.Content[0].Type == "text" {
				return message.Content[0].Text, nil
			}
			return "", fmt.Errorf("knowledge: retro summary: unexpected response format")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryableAIError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("knowledge: retro summary: non-retryable: %w", err)
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return "", fmt.Errorf("knowledge: retro summary: failed after %d attempts: %w", aiMaxRetries+1, lastErr)
}

func isRetryableAIError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
