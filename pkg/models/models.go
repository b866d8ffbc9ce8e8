// Package models contains the wire types shared between the HTTP surface,
// the dispatcher, and the stream translator: OpenAI-compatible request and
// response shapes, the extension push contract, and status snapshots.
package models

import (
	"encoding/json"
	"strings"
)

// ModelCategory classifies what a catalog entry can do.
type ModelCategory string

const (
	// CategoryText marks models that produce text output.
	CategoryText ModelCategory = "text"
	// CategoryImage marks models that produce image output.
	CategoryImage ModelCategory = "image"
	// CategoryVision marks models that accept image input.
	CategoryVision ModelCategory = "vision"
)

// CatalogModel is one entry in the aggregated model catalog.
type CatalogModel struct {
	// Name is the public model name clients request (e.g. "GPT-4o").
	Name string
	// UpstreamID is the arena-internal model identifier.
	UpstreamID string
	// Category is the primary output category; vision capability is tracked
	// separately because a text model may also accept images.
	Category ModelCategory
	// Vision reports whether the model accepts image input.
	Vision bool
}

// OpenAIModel is one entry of the GET /v1/models response.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models response envelope.
type ModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// MessageContent is the content field of a chat message. OpenAI clients send
// either a plain string or an array of typed parts (multimodal); both decode
// into the concatenated text of the message.
type MessageContent struct {
	Text string
}

// UnmarshalJSON accepts both the string form and the parts-array form,
// keeping only text parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}

	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	c.Text = strings.Join(texts, "\n")
	return nil
}

// MarshalJSON renders the content back as a plain string.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Text)
}

// ChatMessage is a single turn of an OpenAI chat request.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ChatCompletionRequest is the POST /v1/chat/completions request body.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// Usage reports token counts when the upstream supplies them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseMessage is the assistant message of a non-streaming completion.
type ResponseMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Choice is one completion choice of a non-streaming response.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming POST /v1/chat/completions body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Delta carries the incremental fields of a streaming chunk.
type Delta struct {
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ChunkChoice is one choice of a streaming chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionChunk is a single SSE chunk of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// PushResponse is returned to the extension after a push.
type PushResponse struct {
	Status     string `json:"status"`
	ProfileID  string `json:"profile_id"`
	PoolMax    int    `json:"pool_max"`
	NeedTokens bool   `json:"need_tokens"`
	V3Count    int    `json:"v3_count"`
}

// ProfileStatus is the per-profile diagnostic snapshot exposed on the status
// endpoints.
type ProfileStatus struct {
	ProfileID   string   `json:"profile_id"`
	Active      bool     `json:"active"`
	LastPushAgo *float64 `json:"last_push_ago"`
	Health      float64  `json:"health"`
	V3Tokens    int      `json:"v3_tokens"`
	HasV2       bool     `json:"has_v2"`
	HasAuth     bool     `json:"has_auth"`
	HasCf       bool     `json:"has_cf"`
	PushCount   int      `json:"push_count"`
	ErrorCount  int      `json:"error_count"`
	TextModels  int      `json:"text_models"`
	ImageModels int      `json:"image_models"`
	Cookies     []string `json:"cookies"`
}

// StatusSnapshot is the full registry snapshot.
type StatusSnapshot struct {
	ActiveProfiles int             `json:"active_profiles"`
	TotalProfiles  int             `json:"total_profiles"`
	CatalogSize    int             `json:"catalog_size"`
	Profiles       []ProfileStatus `json:"profiles"`
}

// ErrorBody is the inner error object of an error response.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	// AvailableModels carries the full catalog on model-not-found errors so
	// clients can disambiguate on their side.
	AvailableModels []string `json:"available_models,omitempty"`
}

// ErrorResponse is the envelope every rejected request returns.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
