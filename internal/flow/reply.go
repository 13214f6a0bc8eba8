package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ReplyPipe/internal/genai"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// ReplyGenerator turns an inbound text into the bot's reply. It never fails outward.
type ReplyGenerator struct {
	builder   *PromptBuilder
	completer genai.Completer
}

// NewReplyGenerator creates a generator. A nil completer selects the echo fallback.
func NewReplyGenerator(builder *PromptBuilder, completer genai.Completer) *ReplyGenerator {
	return &ReplyGenerator{builder: builder, completer: completer}
}

// Echo is the deterministic reply used when no completion backend is available.
func Echo(text string) string {
	return "Echo: " + text
}

// Configured reports whether a completion backend is wired.
func (g *ReplyGenerator) Configured() bool {
	return g.completer != nil
}

// Generate returns the completion for text in the user's context. Without a
// completer, or when the completion is empty, it returns Echo(text). Completion
// errors are logged under a correlation id and mapped to the ERR400 notice.
func (g *ReplyGenerator) Generate(ctx context.Context, userID, text string) string {
	if g.completer == nil {
		slog.Debug("ReplyGenerator.Generate: no completer configured, echoing", "user", util.MaskIdentity(userID))
		return Echo(text)
	}

	reply, err := g.completer.Complete(ctx, g.builder.Build(ctx, userID, text))
	if err != nil {
		slog.Error("ReplyGenerator.Generate: completion failed",
			"code", CodeAIUnavailable, "correlation_id", util.CorrelationID(), "user", util.MaskIdentity(userID), "error", err)
		return UserSafeError(CodeAIUnavailable)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		slog.Warn("ReplyGenerator.Generate: empty completion, echoing", "user", util.MaskIdentity(userID))
		return Echo(text)
	}
	return reply
}
