package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/ReplyPipe/internal/genai"
	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// HistorySource serves the bounded conversation window.
type HistorySource interface {
	RecentHistory(ctx context.Context, userID string, limit int) []models.MessageRecord
}

// LocationSource serves the advisory per-user locale record.
type LocationSource interface {
	Get(ctx context.Context, userID string) *models.LocationRecord
}

// PromptBuilder assembles the chat prompt for one inbound message.
type PromptBuilder struct {
	history   HistorySource
	locations LocationSource
	profile   Profile
}

// NewPromptBuilder creates a PromptBuilder. Either source may be nil, in which
// case the prompt is built without history or without a location.
func NewPromptBuilder(history HistorySource, locations LocationSource, profile Profile) *PromptBuilder {
	return &PromptBuilder{history: history, locations: locations, profile: profile}
}

// Build returns the system instruction, the user's conversation window and the
// new text as the final user message.
func (b *PromptBuilder) Build(ctx context.Context, userID, text string) []genai.Message {
	var loc *models.LocationRecord
	if b.locations != nil {
		loc = b.locations.Get(ctx, userID)
	}
	var window []models.MessageRecord
	if b.history != nil {
		window = b.history.RecentHistory(ctx, userID, b.profile.MemoryLimit)
	}

	messages := make([]genai.Message, 0, len(window)+2)
	messages = append(messages, genai.Message{Role: genai.RoleSystem, Content: b.SystemPrompt(userID, loc)})
	conversationID := models.ConversationID(userID)
	for _, rec := range window {
		if rec.ConversationID != conversationID {
			continue
		}
		role := genai.RoleAssistant
		if rec.SenderType == models.SenderUser {
			role = genai.RoleUser
		}
		messages = append(messages, genai.Message{Role: role, Content: rec.Body})
	}
	return append(messages, genai.Message{Role: genai.RoleUser, Content: text})
}

// SystemPrompt renders the instruction describing the bot, the user and the house rules.
func (b *PromptBuilder) SystemPrompt(userID string, loc *models.LocationRecord) string {
	p := b.profile
	var s strings.Builder
	fmt.Fprintf(&s, "You are %s, a helpful WhatsApp assistant created by %s.\n\n", p.BotName, p.CreatorName)

	if userID != "" {
		s.WriteString("USER CONTEXT:\n")
		fmt.Fprintf(&s, "- Current user's phone number: %s\n", userID)
		if loc != nil {
			fmt.Fprintf(&s, "- User's location: %s (Code: %s)\n", loc.CountryName, loc.CountryCode)
			fmt.Fprintf(&s, "- Country dial code: %s\n", loc.DialCode)
			fmt.Fprintf(&s, "- Provide responses relevant to %s culture and context\n", loc.CountryName)
		} else {
			s.WriteString("- Use the phone number country code to provide location-relevant information\n")
		}
		s.WriteString("- Tailor responses to be culturally and regionally appropriate\n\n")
	}

	s.WriteString("BOT BEHAVIOR:\n")
	s.WriteString("- Keep replies concise (1-3 sentences) suitable for WhatsApp\n")
	s.WriteString("- Use conversation history for context when relevant\n")
	s.WriteString("- Be helpful, friendly, and informative\n")
	s.WriteString("- Provide location-aware responses based on user's country code\n")
	s.WriteString("- Don't invent facts about users or make assumptions beyond their phone number location\n\n")

	s.WriteString("PRIVACY & SECURITY RULES:\n")
	s.WriteString("- NEVER share information about other users or conversations\n")
	s.WriteString("- ONLY discuss data related to the current user\n")
	s.WriteString("- Don't reveal sensitive technical details\n")
	s.WriteString("- Don't talk about the bot database or sensitive matters concerning the bot\n\n")

	s.WriteString("LEGAL INFORMATION & LINKS:\n")
	fmt.Fprintf(&s, "- Privacy Policy URL: %s\n", p.PrivacyURL)
	fmt.Fprintf(&s, "- Terms of Service URL: %s\n", p.TermsURL)
	s.WriteString("- IMPORTANT: Always use these EXACT URLs when users ask about privacy or terms\n")
	s.WriteString("- Do NOT create or suggest alternative links - only use the URLs provided above\n")
	s.WriteString("- When asked about privacy policy, respond with the Privacy Policy URL\n")
	s.WriteString("- When asked about terms of service, respond with the Terms of Service URL\n")
	s.WriteString("- Users automatically agree to terms by messaging the bot\n")
	fmt.Fprintf(&s, "- For support or data deletion requests, direct users to contact: %s\n\n", p.CreatorEmail)

	s.WriteString("GUIDELINES:\n")
	s.WriteString("- Don't repeat old messages verbatim from history\n")
	s.WriteString("- For technical questions, keep answers general and user-focused\n")
	s.WriteString("- Direct data deletion requests to contact the developer via appropriate channels\n")
	fmt.Fprintf(&s, "- CRITICAL: When users ask about privacy policy, ALWAYS respond with: %s\n", p.PrivacyURL)
	fmt.Fprintf(&s, "- CRITICAL: When users ask about terms of service, ALWAYS respond with: %s\n", p.TermsURL)
	s.WriteString("- Never create fake links or alternative URLs for legal documents\n")
	return s.String()
}
