package upstream

import (
	"bytes"
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// ChatRequest represents an inbound chat completion request
type ChatRequest struct {
	Model    string                         `json:"model"`
	Messages []openai.ChatCompletionMessage `json:"messages"`
	Stream   bool                           `json:"stream,omitempty"`
}

// Payload is the body of a conversations/new call
type Payload struct {
	Temporary                 bool          `json:"temporary"`
	ModelName                 string        `json:"modelName"`
	Message                   string        `json:"message"`
	FileAttachments           []string      `json:"fileAttachments"`
	ImageAttachments          []string      `json:"imageAttachments"`
	DisableSearch             bool          `json:"disableSearch"`
	EnableImageGeneration     bool          `json:"enableImageGeneration"`
	ReturnImageBytes          bool          `json:"returnImageBytes"`
	ReturnRawGrokInXaiRequest bool          `json:"returnRawGrokInXaiRequest"`
	EnableImageStreaming      bool          `json:"enableImageStreaming"`
	ImageGenerationCount      int           `json:"imageGenerationCount"`
	ForceConcise              bool          `json:"forceConcise"`
	ToolOverrides             ToolOverrides `json:"toolOverrides"`
	EnableSideBySide          bool          `json:"enableSideBySide"`
	SendFinalMetadata         bool          `json:"sendFinalMetadata"`
	CustomPersonality         string        `json:"customPersonality"`
	DeepsearchPreset          string        `json:"deepsearchPreset"`
	IsReasoning               bool          `json:"isReasoning"`
	DisableTextFollowUps      bool          `json:"disableTextFollowUps"`
}

// ToolOverrides toggles upstream tools for one conversation
type ToolOverrides struct {
	ImageGen     bool `json:"imageGen"`
	WebSearch    bool `json:"webSearch"`
	XSearch      bool `json:"xSearch"`
	XMediaSearch bool `json:"xMediaSearch"`
	TrendsSearch bool `json:"trendsSearch"`
	XPostAnalyze bool `json:"xPostAnalyze"`
}

// Event is one line of the upstream NDJSON response
type Event struct {
	Error  *EventError `json:"error,omitempty"`
	Result *struct {
		Response *Response `json:"response"`
	} `json:"result,omitempty"`
}

// EventError is an in-band upstream failure
type EventError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response returns the wrapped response payload, or nil
func (e *Event) Response() *Response {
	if e.Result == nil {
		return nil
	}
	return e.Result.Response
}

// Response carries the interesting fields of result.response
type Response struct {
	Token                         json.RawMessage `json:"token,omitempty"`
	IsThinking                    bool            `json:"isThinking,omitempty"`
	MessageStepID                 json.RawMessage `json:"messageStepId,omitempty"`
	MessageTag                    string          `json:"messageTag,omitempty"`
	WebSearchResults              *SearchResults  `json:"webSearchResults,omitempty"`
	DoImgGen                      bool            `json:"doImgGen,omitempty"`
	ImageAttachmentInfo           json.RawMessage `json:"imageAttachmentInfo,omitempty"`
	CachedImageGenerationResponse *CachedImage    `json:"cachedImageGenerationResponse,omitempty"`
}

// SearchResults is a batch of web search hits
type SearchResults struct {
	Results []SearchResult `json:"results"`
}

// SearchResult is a single web search hit
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Preview string `json:"preview"`
}

// CachedImage points at a generated image on the assets host
type CachedImage struct {
	ImageURL string `json:"imageUrl"`
}

// ToolAction is the object form of a token, emitted while a tool runs
type ToolAction struct {
	Action      string `json:"action"`
	ActionInput struct {
		Query string `json:"query"`
	} `json:"action_input"`
}

// Text returns the token when it is a plain string
func (r *Response) Text() string {
	var s string
	if len(r.Token) == 0 || json.Unmarshal(r.Token, &s) != nil {
		return ""
	}
	return s
}

// Action returns the token when it is a tool invocation object
func (r *Response) Action() (ToolAction, bool) {
	var a ToolAction
	if !bytes.HasPrefix(bytes.TrimSpace(r.Token), []byte("{")) {
		return a, false
	}
	if err := json.Unmarshal(r.Token, &a); err != nil {
		return a, false
	}
	return a, true
}

// HasStep reports whether messageStepId is set to a truthy value
func (r *Response) HasStep() bool {
	return truthy(r.MessageStepID)
}

// StartsImageGen reports whether the response announces image generation
func (r *Response) StartsImageGen() bool {
	return r.DoImgGen || truthy(r.ImageAttachmentInfo)
}

// HasSearchResults reports whether any search hits are attached
func (r *Response) HasSearchResults() bool {
	return r.WebSearchResults != nil && len(r.WebSearchResults.Results) > 0
}

func truthy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`, "{}", "[]":
		return false
	}
	return true
}
