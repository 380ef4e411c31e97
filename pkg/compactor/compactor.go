// Package compactor bounds the context of a session by replacing an old
// prefix of its message log with a summary.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"github.com/harun/nebula/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxContextChars = 12000
	DefaultMaxTailMessages = 12
	DefaultFallbackChars   = 1200

	MethodModel = "model"
	MethodLocal = "local"
)

// Summarizer produces a summary of a flattened transcript
type Summarizer interface {
	Configured() bool
	Summarize(ctx context.Context, model, transcript string) (string, error)
}

// Config configures a Compactor
type Config struct {
	Sessions        session.Repository
	Summarizer      Summarizer
	SummaryModel    string
	MaxContextChars int
	MaxTailMessages int
	FallbackChars   int
	Logger          zerolog.Logger
}

// Result describes one compaction pass
type Result struct {
	Compacted bool
	Method    string
	Removed   int
	Retained  int
	CharsIn   int
	Summary   string
}

// Compactor replaces the overflow prefix of a log with a summary
type Compactor struct {
	sessions        session.Repository
	summarizer      Summarizer
	summaryModel    string
	maxContextChars int
	maxTail         int
	fallbackChars   int
	logger          zerolog.Logger
}

// New creates a compactor
func New(cfg Config) *Compactor {
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultMaxContextChars
	}
	if cfg.MaxTailMessages <= 0 {
		cfg.MaxTailMessages = DefaultMaxTailMessages
	}
	if cfg.FallbackChars <= 0 {
		cfg.FallbackChars = DefaultFallbackChars
	}
	return &Compactor{
		sessions:        cfg.Sessions,
		summarizer:      cfg.Summarizer,
		summaryModel:    cfg.SummaryModel,
		maxContextChars: cfg.MaxContextChars,
		maxTail:         cfg.MaxTailMessages,
		fallbackChars:   cfg.FallbackChars,
		logger:          cfg.Logger.With().Str("component", "compactor").Logger(),
	}
}

// Compact summarizes the prefix of sess beyond the tail when its content
// exceeds the character ceiling. On success sess is updated in place to
// match the stored session. A summarizer failure falls back to local
// truncation; only a store failure is returned.
func (c *Compactor) Compact(ctx context.Context, sess *session.Session) (Result, error) {
	chars := sess.ContentChars()
	res := Result{CharsIn: chars, Retained: len(sess.Messages)}
	if chars <= c.maxContextChars {
		return res, nil
	}

	overflow := len(sess.Messages) - c.maxTail
	if overflow <= 0 {
		return res, nil
	}

	ctx, span := tracing.StartSpan(ctx, "nebula.compactor", "compactor.compact",
		attribute.String("session.id", sess.ID),
		attribute.Int("compactor.chars", chars),
		attribute.Int("compactor.overflow", overflow),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	prefix := sess.Messages[:overflow]
	tail := sess.Messages[overflow:]

	summary, method := "", MethodLocal
	if c.summarizer != nil && c.summarizer.Configured() {
		s, err := c.summarizer.Summarize(ctx, c.summaryModel, Flatten(sess.Summary, prefix))
		if err != nil {
			logger.Warn().Err(err).Msg("Summary model failed; truncating locally")
		} else if s = strings.TrimSpace(s); s != "" {
			summary, method = s, MethodModel
		}
	}
	// The local fallback never carries the old summary forward, otherwise
	// repeated rounds fill the budget with "summary: summary: ..." and the
	// newest prefix is cut off.
	if method == MethodLocal {
		summary = Truncate(Flatten("", prefix), c.fallbackChars)
	}

	err := c.sessions.ReplaceHistory(ctx, sess.ID, summary, tail)
	if err != nil && !errors.Is(err, session.ErrPersist) {
		tracing.RecordError(span, err)
		return res, fmt.Errorf("failed to store compacted history: %w", err)
	}

	sess.Summary = summary
	sess.Messages = append([]session.Message(nil), tail...)

	observability.RecordCompaction(method)
	logger.Info().
		Str("session_id", sess.ID).
		Str("method", method).
		Int("chars", chars).
		Int("removed", overflow).
		Int("retained", len(tail)).
		Msg("Session compacted")

	return Result{
		Compacted: true,
		Method:    method,
		Removed:   overflow,
		Retained:  len(tail),
		CharsIn:   chars,
		Summary:   summary,
	}, err
}

// Flatten renders messages as "role: content" lines, led by the previous
// summary when there is one
func Flatten(previousSummary string, msgs []session.Message) string {
	var b strings.Builder
	if previousSummary != "" {
		b.WriteString("summary: ")
		b.WriteString(previousSummary)
		b.WriteByte('\n')
	}
	for _, m := range msgs {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Function.Name
			}
			content = "[called " + strings.Join(names, ", ") + "]"
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Truncate returns the first n characters of s
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
