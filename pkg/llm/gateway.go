package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout = 30 * time.Second

	summaryInstruction = "Summarize the following conversation so it can replace the original messages as context. " +
		"Keep facts, decisions, names, numbers and open questions. Be concise and write plain prose."
)

// Config configures a Gateway
type Config struct {
	Provider     string
	APIKey       string
	BaseURL      string
	DefaultModel string
	SummaryModel string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	Logger       zerolog.Logger
}

// Gateway issues single, time-bounded model calls
type Gateway struct {
	provider     Provider
	providerName string
	defaultModel string
	summaryModel string
	temperature  float64
	maxTokens    int
	timeout      time.Duration
	logger       zerolog.Logger
}

// NewGateway builds the configured provider. Without an API key the gateway
// is created unconfigured and every call reports ErrNotConfigured.
func NewGateway(ctx context.Context, cfg Config) (*Gateway, error) {
	var provider Provider
	if strings.TrimSpace(cfg.APIKey) != "" {
		p, err := NewProvider(ctx, ProviderConfig{Provider: cfg.Provider, APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
		if err != nil {
			return nil, err
		}
		provider = p
	}
	return NewGatewayWithProvider(provider, cfg), nil
}

// NewGatewayWithProvider wraps an existing provider; nil means unconfigured
func NewGatewayWithProvider(provider Provider, cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.DefaultModel
	}
	name := cfg.Provider
	if provider != nil {
		name = provider.Provider()
	}
	if name == "" {
		name = "openai"
	}
	return &Gateway{
		provider:     provider,
		providerName: name,
		defaultModel: cfg.DefaultModel,
		summaryModel: cfg.SummaryModel,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger.With().Str("component", "model_gateway").Logger(),
	}
}

// Configured reports whether a credential is present
func (g *Gateway) Configured() bool {
	return g.provider != nil
}

// Provider returns the provider name
func (g *Gateway) Provider() string {
	return g.providerName
}

// DefaultModel returns the model used when a request names none
func (g *Gateway) DefaultModel() string {
	return g.defaultModel
}

// Complete issues one request. Unset model, temperature and max tokens fall
// back to the configured defaults.
func (g *Gateway) Complete(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	if req.Model == "" {
		req.Model = g.defaultModel
	}
	if req.Temperature == nil {
		req.Temperature = Float(g.temperature)
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = g.maxTokens
	}

	logger := tracing.LoggerFromContext(ctx, g.logger)
	ctx, span := tracing.StartSpan(ctx, "nebula.llm", "llm.complete",
		attribute.String("llm.provider", g.providerName),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
	)
	status := "success"
	defer func() {
		tracing.RecordError(span, err)
		span.End()
		observability.RecordModelCall(g.providerName, status, time.Since(start))
	}()

	if g.provider == nil {
		status = "not_configured"
		return nil, ErrNotConfigured
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err = g.provider.Call(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			status = "timeout"
			logger.Warn().Dur("timeout", g.timeout).Str("model", req.Model).Msg("Model call timed out")
			return nil, fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
		}
		status = "error"
		var upstream *UpstreamError
		if !errors.As(err, &upstream) {
			err = &UpstreamError{Provider: g.providerName, Err: err}
		}
		logger.Error().Err(err).Str("model", req.Model).Msg("Model call failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.tool_calls", len(resp.ToolCalls)))
	evt := logger.Debug().
		Str("model", req.Model).
		Int("tool_calls", len(resp.ToolCalls)).
		Dur("duration", time.Since(start))
	if resp.Usage != nil {
		evt = evt.Int("input_tokens", resp.Usage.InputTokens).Int("output_tokens", resp.Usage.OutputTokens)
	}
	evt.Msg("Model call completed")
	return resp, nil
}

// Summarize condenses a flattened transcript with the summary model
func (g *Gateway) Summarize(ctx context.Context, model, transcript string) (string, error) {
	if model == "" {
		model = g.summaryModel
	}
	resp, err := g.Complete(ctx, Request{
		Model: model,
		Messages: []Message{
			{Role: RoleSystem, Content: summaryInstruction},
			{Role: RoleUser, Content: transcript},
		},
		Temperature: Float(0.2),
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", &UpstreamError{Provider: g.providerName, Err: ErrEmptyResponse}
	}
	return summary, nil
}
