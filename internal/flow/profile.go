package flow

import (
	"fmt"

	"github.com/BTreeMap/ReplyPipe/internal/conversation"
)

// Internal codes for user-facing failure notices.
const (
	CodeInboundPersist = "ERR100"
	CodeHistory        = conversation.CodeHistoryLookup
	CodeAIUnavailable  = "ERR400"
)

var userMessages = map[string]string{
	CodeInboundPersist: "I encountered a problem when processing your request. Please tell the developer: ERR100.",
	CodeHistory:        "I encountered a problem when processing your request. Please tell the developer: ERR200.",
	CodeAIUnavailable:  "AI service is unavailable. Please try again later. (ERR400)",
}

// UserSafeError returns the short notice shown to users for an internal code.
func UserSafeError(code string) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return "An error occurred. Please inform the developer."
}

// TextOnlyNotice is sent in reply to any non-text message.
const TextOnlyNotice = "I currently support text messages only. Please send your request as text."

// Profile is the immutable bot identity and policy shared by the flow components.
type Profile struct {
	BotName      string
	CreatorName  string
	CreatorEmail string
	PrivacyURL   string
	TermsURL     string
	MemoryLimit  int
}

// DefaultProfile returns a profile with placeholder identity values.
func DefaultProfile() Profile {
	return Profile{
		BotName:     "ReplyPipe",
		CreatorName: "the ReplyPipe team",
		MemoryLimit: conversation.DefaultMemoryLimit,
	}
}

// WelcomeMessage builds the consent notice sent to first-time users.
func (p Profile) WelcomeMessage(userName string) string {
	name := userName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("👋 Hello %s! Welcome to %s!\n\nBy messaging me, you have agreed to our Terms of Service %s and Privacy Policy %s.\n",
		name, p.BotName, p.TermsURL, p.PrivacyURL)
}
