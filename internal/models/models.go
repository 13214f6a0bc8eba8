// Package models defines the core data structures for ReplyPipe.
//
// It includes the persisted conversation and location records, the inbound
// webhook event shapes, and the JSON envelope used by the HTTP API.
package models

import (
	"strings"
	"time"
)

// SenderType identifies who authored a message record.
type SenderType string

const (
	// SenderUser marks a message sent by the participant.
	SenderUser SenderType = "user"
	// SenderBot marks a message sent by the bot.
	SenderBot SenderType = "bot"
)

// MessageType tags the content kind of an inbound or stored message.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "text"
	// MessageTypeUnknown is used when the provider omits the type.
	MessageTypeUnknown MessageType = "unknown"
)

// ConversationIDPrefix is prepended to a user identity to form its conversation id.
const ConversationIDPrefix = "chat_"

// ConversationID returns the single conversation identity owned by userID.
func ConversationID(userID string) string {
	return ConversationIDPrefix + userID
}

// MessageRecord is one immutable entry in a user's conversation log.
type MessageRecord struct {
	ID              string      `json:"id" bson:"_id"`
	UserID          string      `json:"user_id" bson:"user_id"`
	ConversationID  string      `json:"conversation_id" bson:"conversation_id"`
	SenderType      SenderType  `json:"sender_type" bson:"sender_type"`
	MessageType     MessageType `json:"message_type" bson:"message_type"`
	Body            string      `json:"message" bson:"message"`
	Timestamp       time.Time   `json:"timestamp" bson:"timestamp"`
	UserDisplayName string      `json:"user_name,omitempty" bson:"user_name,omitempty"`
	PhoneNumber     string      `json:"phone_number,omitempty" bson:"phone_number,omitempty"`
}

// LocaleRecord is the country metadata inferred from a phone number.
type LocaleRecord struct {
	CountryName        string    `json:"country_name"`
	CountryCode        string    `json:"country_code"`
	DialCode           string    `json:"dial_code"`
	PhoneNumber        string    `json:"phone_number"`
	CleanPhone         string    `json:"clean_phone"`
	MobileNumberLength *int      `json:"mobile_number_length,omitempty"`
	DetectedAt         time.Time `json:"detected_at"`
}

// LocationRecord is the per-user locale record kept by the location store.
type LocationRecord struct {
	UserID             string    `json:"user_id" bson:"user_id"`
	UserDisplayName    string    `json:"user_name,omitempty" bson:"user_name,omitempty"`
	CountryName        string    `json:"country_name" bson:"country_name"`
	CountryCode        string    `json:"country_code" bson:"country_code"`
	DialCode           string    `json:"dial_code" bson:"dial_code"`
	PhoneNumber        string    `json:"phone_number" bson:"phone_number"`
	CleanPhone         string    `json:"clean_phone" bson:"clean_phone"`
	MobileNumberLength *int      `json:"mobile_number_length,omitempty" bson:"mobile_number_length,omitempty"`
	FirstDetectedAt    time.Time `json:"first_detected" bson:"first_detected"`
	LastUpdatedAt      time.Time `json:"last_updated" bson:"last_updated"`
	DetectionCount     int       `json:"detection_count" bson:"detection_count"`
}

// UserStats aggregates a user's conversation log for administrative views.
type UserStats struct {
	UserID         string     `json:"user_id"`
	UserName       string     `json:"user_name"`
	PhoneNumber    string     `json:"phone_number"`
	TotalMessages  int        `json:"total_messages"`
	UserMessages   int        `json:"user_messages"`
	BotMessages    int        `json:"bot_messages"`
	FirstMessage   *time.Time `json:"first_message"`
	LastMessage    *time.Time `json:"last_message"`
	ConversationID string     `json:"conversation_id"`
}

// PlaceholderBody returns the stored body for a non-text message, e.g. "[IMAGE]".
func PlaceholderBody(t MessageType) string {
	return "[" + strings.ToUpper(string(t)) + "]"
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusReceived indicates a webhook delivery was accepted.
	APIStatusReceived APIStatus = "received"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Received acknowledges a webhook delivery.
func Received() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusReceived).
		Build()
}
